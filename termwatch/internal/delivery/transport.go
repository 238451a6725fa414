package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/termwatch/horosafe"
)

// Message kinds.
const (
	KindChange = "change"
	KindDigest = "digest"
)

// Message is what a Transport sends: one change, or a digest of several.
type Message struct {
	Kind         string    `json:"kind"`
	SubscriberID string    `json:"subscriber_id"`
	Frequency    string    `json:"frequency,omitempty"`
	Changes      []Payload `json:"changes"`
	SentAt       int64     `json:"sent_at"`
}

// Transport delivers a message to one subscriber.
type Transport interface {
	Name() string
	Send(ctx context.Context, sub *Subscriber, msg *Message) error
}

// LogTransport writes messages through slog. It is the default transport
// when no outbound channel is configured.
type LogTransport struct {
	Logger *slog.Logger
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, sub *Subscriber, msg *Message) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range msg.Changes {
		logger.InfoContext(ctx, "delivery: notify",
			"kind", msg.Kind,
			"subscriber", sub.ID,
			"service", p.Service,
			"severity", p.Severity,
			"title", p.Title,
			"change_id", p.ChangeID,
			"diff_spans", len(p.Diff),
		)
	}
	return nil
}

// SignatureHeader carries the hex HMAC-SHA256 of the body, "sha256=" prefixed.
const SignatureHeader = "X-Signature-256"

// Webhook POSTs the JSON message to the subscriber's webhook URL, signed
// with the subscriber's secret when one is set.
type Webhook struct {
	client   *http.Client
	validate func(string) error
}

// WebhookOption configures a Webhook transport.
type WebhookOption func(*Webhook)

// WithWebhookClient replaces the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookURLValidator replaces the SSRF guard. Tests pointing at
// httptest servers on loopback pass a permissive validator.
func WithWebhookURLValidator(fn func(string) error) WebhookOption {
	return func(w *Webhook) { w.validate = fn }
}

// NewWebhook creates a Webhook transport.
func NewWebhook(opts ...WebhookOption) *Webhook {
	w := &Webhook{
		client:   &http.Client{Timeout: 10 * time.Second},
		validate: horosafe.ValidateURL,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, sub *Subscriber, msg *Message) error {
	if sub.WebhookURL == "" {
		return fmt.Errorf("webhook: subscriber %s has no webhook url", sub.ID)
	}
	if err := w.validate(sub.WebhookURL); err != nil {
		return fmt.Errorf("webhook: url: %w", err)
	}
	if err := horosafe.ValidateSecret(sub.WebhookSecret); err != nil {
		return fmt.Errorf("webhook: secret: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(sub.WebhookSecret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
