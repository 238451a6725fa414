package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/termwatch/termwatch/internal/store"
)

// Delivery log channels and statuses.
const (
	ChannelRealtime = "realtime"
	ChannelDigest   = "digest"

	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Dispatcher executes delivery plans and flushes digests.
type Dispatcher struct {
	store    *store.Store
	source   SubscriberSource
	fallback Transport
	webhook  Transport
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTransport sets the default transport. Default: LogTransport.
func WithTransport(t Transport) DispatcherOption {
	return func(d *Dispatcher) { d.fallback = t }
}

// WithWebhook enables webhook delivery for plans that allow it.
func WithWebhook(t Transport) DispatcherOption {
	return func(d *Dispatcher) { d.webhook = t }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st *store.Store, src SubscriberSource, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		source: src,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.fallback == nil {
		d.fallback = &LogTransport{Logger: d.logger}
	}
	return d
}

// Notify routes a freshly detected change to the current subscribers and
// executes the plan.
func (d *Dispatcher) Notify(ctx context.Context, doc *store.Document, c *store.Change) error {
	subs, err := d.source.Subscribers(ctx)
	if err != nil {
		return fmt.Errorf("delivery: subscribers: %w", err)
	}
	plan := Route(doc, c, subs)
	return d.Deliver(ctx, &plan)
}

// Deliver sends the immediate notifications and queues the digest items.
// Every failure is logged and returned joined; nothing is retried.
func (d *Dispatcher) Deliver(ctx context.Context, plan *DeliveryPlan) error {
	var errs []error
	for i := range plan.Immediate {
		n := &plan.Immediate[i]
		msg := &Message{
			Kind:         KindChange,
			SubscriberID: n.Subscriber.ID,
			Changes:      []Payload{n.Payload},
			SentAt:       time.Now().UnixMilli(),
		}
		if err := d.send(ctx, &n.Subscriber, msg, ChannelRealtime); err != nil {
			errs = append(errs, err)
		}
	}
	for _, item := range plan.Digest {
		data, err := json.Marshal(item.Payload)
		if err != nil {
			derr := &Error{SubscriberID: item.Subscriber.ID, ChangeID: item.Payload.ChangeID, Transport: "digest_queue", Err: err}
			d.logger.Error("delivery: encode digest payload", "error", derr)
			errs = append(errs, derr)
			continue
		}
		err = d.store.EnqueueDigest(ctx, &store.DigestEntry{
			SubscriberID: item.Subscriber.ID,
			ChangeID:     item.Payload.ChangeID,
			Frequency:    item.Frequency,
			PayloadJSON:  string(data),
		})
		if err != nil {
			derr := &Error{SubscriberID: item.Subscriber.ID, ChangeID: item.Payload.ChangeID, Transport: "digest_queue", Err: err}
			d.logger.Error("delivery: enqueue digest", "error", derr)
			errs = append(errs, derr)
		}
	}
	return errors.Join(errs...)
}

// FlushDigest sends every queued entry of a frequency, one message per
// subscriber. Payloads are refreshed from the store so a summary attached
// after queuing is included. Entries whose send fails stay queued.
func (d *Dispatcher) FlushDigest(ctx context.Context, frequency string) (int, error) {
	pending, err := d.store.PendingDigest(ctx, frequency)
	if err != nil {
		return 0, fmt.Errorf("delivery: pending digest: %w", err)
	}

	sent := 0
	var errs []error
	for subID, entries := range pending {
		sub, err := Lookup(ctx, d.source, subID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sub == nil {
			// Unsubscribed since queuing: log-only delivery keeps the queue draining.
			sub = &Subscriber{ID: subID}
		}

		msg := &Message{Kind: KindDigest, SubscriberID: subID, Frequency: frequency, SentAt: time.Now().UnixMilli()}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			msg.Changes = append(msg.Changes, d.refresh(ctx, sub, e))
			ids = append(ids, e.ChangeID)
		}

		if err := d.send(ctx, sub, msg, ChannelDigest); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.store.MarkDigestDelivered(ctx, subID, ids); err != nil {
			errs = append(errs, fmt.Errorf("delivery: mark delivered: %w", err))
			continue
		}
		sent++
	}
	if sent > 0 || len(errs) > 0 {
		d.logger.Info("delivery: digest flushed", "frequency", frequency, "sent", sent, "failed", len(errs))
	}
	return sent, errors.Join(errs...)
}

// refresh rebuilds a queued payload from the current change row, falling
// back to the payload captured at queue time.
func (d *Dispatcher) refresh(ctx context.Context, sub *Subscriber, e *store.DigestEntry) Payload {
	var queued Payload
	if err := json.Unmarshal([]byte(e.PayloadJSON), &queued); err != nil {
		d.logger.Warn("delivery: decode queued payload",
			"subscriber", e.SubscriberID, "change_id", e.ChangeID, "error", err)
		queued = Payload{ChangeID: e.ChangeID}
	}

	c, err := d.store.GetChange(ctx, e.ChangeID)
	if err != nil {
		d.logger.Warn("delivery: refresh change", "change_id", e.ChangeID, "error", err)
		return queued
	}
	if c == nil {
		return queued
	}
	doc, err := d.store.GetDocument(ctx, c.DocumentID)
	if err != nil {
		d.logger.Warn("delivery: refresh document", "change_id", c.ID, "document_id", c.DocumentID, "error", err)
	}
	return NewPayload(doc, c).For(sub.Policy())
}

func (d *Dispatcher) transportFor(sub *Subscriber) Transport {
	if d.webhook != nil && sub.WebhookURL != "" && sub.Policy().Webhooks {
		return d.webhook
	}
	return d.fallback
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscriber, msg *Message, channel string) error {
	t := d.transportFor(sub)
	sendErr := t.Send(ctx, sub, msg)

	status, errMsg := StatusSent, ""
	if sendErr != nil {
		status, errMsg = StatusFailed, sendErr.Error()
	}
	for _, p := range msg.Changes {
		if err := d.store.InsertDeliveryLog(ctx, &store.DeliveryLogEntry{
			SubscriberID: sub.ID,
			ChangeID:     p.ChangeID,
			Channel:      channel,
			Status:       status,
			ErrorMessage: errMsg,
		}); err != nil {
			d.logger.Error("delivery: log", "subscriber", sub.ID, "change_id", p.ChangeID, "error", err)
		}
	}

	if sendErr != nil {
		changeID := ""
		if len(msg.Changes) == 1 {
			changeID = msg.Changes[0].ChangeID
		}
		derr := &Error{SubscriberID: sub.ID, ChangeID: changeID, Transport: t.Name(), Err: sendErr}
		d.logger.Warn("delivery: send failed", "channel", channel, "error", derr)
		return derr
	}
	return nil
}
