package delivery

import (
	"context"
	"strings"
)

// Subscriber is one recipient of change notifications.
type Subscriber struct {
	ID    string `json:"id" yaml:"id"`
	Email string `json:"email,omitempty" yaml:"email"`
	Plan  string `json:"plan" yaml:"plan"`
	// Services the subscriber follows, by service name. Only the first
	// MaxServices entries of the plan count.
	Services      []string `json:"services" yaml:"services"`
	WebhookURL    string   `json:"webhook_url,omitempty" yaml:"webhook_url"`
	WebhookSecret string   `json:"-" yaml:"webhook_secret"`
}

// Policy returns the subscriber's tier.
func (s *Subscriber) Policy() TierPolicy { return PlanFor(s.Plan) }

// Follows reports whether the subscriber follows service within the plan's
// service allowance.
func (s *Subscriber) Follows(service string) bool {
	limit := s.Policy().MaxServices
	for i, name := range s.Services {
		if i >= limit {
			return false
		}
		if strings.EqualFold(name, service) {
			return true
		}
	}
	return false
}

// SubscriberSource lists the current subscribers.
type SubscriberSource interface {
	Subscribers(ctx context.Context) ([]Subscriber, error)
}

// StaticSource serves a fixed list, typically loaded from the config file.
type StaticSource []Subscriber

// Subscribers returns a copy of the list.
func (s StaticSource) Subscribers(context.Context) ([]Subscriber, error) {
	out := make([]Subscriber, len(s))
	copy(out, s)
	return out, nil
}

// Lookup finds a subscriber by ID.
func Lookup(ctx context.Context, src SubscriberSource, id string) (*Subscriber, error) {
	subs, err := src.Subscribers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ID == id {
			return &subs[i], nil
		}
	}
	return nil, nil
}
