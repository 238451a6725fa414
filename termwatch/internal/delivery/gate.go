package delivery

import (
	"encoding/json"

	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
	"github.com/hazyhaar/termwatch/termwatch/internal/store"
)

// Metrics mirror the diff metrics of a change.
type Metrics struct {
	SectionsChanged int `json:"sections_changed"`
	WordsAdded      int `json:"words_added"`
	WordsRemoved    int `json:"words_removed"`
}

// Payload is the notification body for one change.
type Payload struct {
	ChangeID      string      `json:"change_id"`
	DocumentID    string      `json:"document_id"`
	Service       string      `json:"service"`
	DocumentKind  string      `json:"document_kind"`
	URL           string      `json:"url"`
	ChangeType    string      `json:"change_type"`
	Severity      string      `json:"severity"`
	Title         string      `json:"title"`
	Summary       string      `json:"summary,omitempty"`
	Metrics       Metrics     `json:"metrics"`
	Diff          []diff.Span `json:"diff,omitempty"`
	UpgradePrompt string      `json:"upgrade_prompt,omitempty"`
	DetectedAt    int64       `json:"detected_at"`
}

// NewPayload builds the full payload of a change. The diff is decoded from
// the stored spans; a malformed diff is dropped rather than failing delivery.
func NewPayload(doc *store.Document, c *store.Change) Payload {
	p := Payload{
		ChangeID:   c.ID,
		DocumentID: c.DocumentID,
		ChangeType: c.ChangeType,
		Severity:   c.Severity,
		Title:      c.Title,
		Summary:    c.Summary,
		DetectedAt: c.DetectedAt,
	}
	p.Metrics = Metrics{
		SectionsChanged: c.SectionsChanged,
		WordsAdded:      c.WordsAdded,
		WordsRemoved:    c.WordsRemoved,
	}
	if doc != nil {
		p.Service, p.DocumentKind, p.URL = doc.Service, doc.Kind, doc.URL
	}
	if c.DiffJSON != "" {
		var spans []diff.Span
		if json.Unmarshal([]byte(c.DiffJSON), &spans) == nil {
			p.Diff = spans
		}
	}
	return p
}

// For returns the payload as the plan allows it to be seen.
func (p Payload) For(plan TierPolicy) Payload {
	if !plan.CanViewDiff {
		p.Diff = nil
		p.UpgradePrompt = UpgradeReason(plan, FeatureDiff)
	}
	return p
}

// Notification is an immediate send to one subscriber.
type Notification struct {
	Subscriber Subscriber
	Payload    Payload
}

// DigestItem queues a change for a subscriber's next digest.
type DigestItem struct {
	Subscriber Subscriber
	Frequency  string
	Payload    Payload
}

// DeliveryPlan is the outcome of Route.
type DeliveryPlan struct {
	ChangeID  string
	Immediate []Notification
	Digest    []DigestItem
}

// Empty reports whether nobody is to be notified.
func (p *DeliveryPlan) Empty() bool { return len(p.Immediate) == 0 && len(p.Digest) == 0 }

// Route decides, for every subscriber following the document's service,
// whether the change is sent now or queued for a digest, and what the
// payload may contain. It has no side effects.
func Route(doc *store.Document, c *store.Change, subs []Subscriber) DeliveryPlan {
	plan := DeliveryPlan{ChangeID: c.ID}
	full := NewPayload(doc, c)
	for _, s := range subs {
		if !s.Follows(full.Service) {
			continue
		}
		tier := s.Policy()
		p := full.For(tier)
		if tier.RealtimeAlerts {
			plan.Immediate = append(plan.Immediate, Notification{Subscriber: s, Payload: p})
			continue
		}
		freq := tier.DigestFrequency
		if freq != FrequencyDaily {
			freq = FrequencyWeekly
		}
		plan.Digest = append(plan.Digest, DigestItem{Subscriber: s, Frequency: freq, Payload: p})
	}
	return plan
}
