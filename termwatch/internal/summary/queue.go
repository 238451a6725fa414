package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
	"github.com/hazyhaar/termwatch/termwatch/internal/store"
)

// Config configures the queue.
type Config struct {
	Workers     int           `yaml:"workers"`      // Default: 1.
	QueueSize   int           `yaml:"queue_size"`   // Default: 64.
	Timeout     time.Duration `yaml:"timeout"`      // per request. Default: 30s.
	MaxAttempts int           `yaml:"max_attempts"` // before a change is marked dead. Default: 3.
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// FinalFunc is called once a change's summary is settled, either attached
// or given up on.
type FinalFunc func(ctx context.Context, c *store.Change)

// Queue runs summary requests on a bounded channel with its own workers.
type Queue struct {
	store      *store.Store
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
	policy     *bluemonday.Policy

	tasks    chan string
	inflight sync.Map // change ID -> struct{}
	onFinal  FinalFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a Queue. Call Start before enqueuing.
func NewQueue(st *store.Store, s Summarizer, cfg Config, logger *slog.Logger) *Queue {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:      st,
		summarizer: s,
		cfg:        cfg,
		logger:     logger,
		policy:     bluemonday.StrictPolicy(),
		tasks:      make(chan string, cfg.QueueSize),
	}
}

// OnFinal registers the hook run after a summary is attached or dead-lettered.
func (q *Queue) OnFinal(fn FinalFunc) { q.onFinal = fn }

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.tasks:
					q.process(ctx, id)
					q.inflight.Delete(id)
				}
			}
		}()
	}
}

// Stop cancels the workers and waits for the current requests to return.
// Queued but unstarted changes stay pending for the next retry pass.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue schedules a change without blocking. It returns false when the
// change is already queued or the queue is full; in both cases the change
// stays pending in the store.
func (q *Queue) Enqueue(changeID string) bool {
	if _, loaded := q.inflight.LoadOrStore(changeID, struct{}{}); loaded {
		return false
	}
	select {
	case q.tasks <- changeID:
		return true
	default:
		q.inflight.Delete(changeID)
		q.logger.Warn("summary: queue full, deferring to retry pass", "change_id", changeID)
		return false
	}
}

// RetryPass re-enqueues changes whose summary is still missing and whose
// attempt budget is not spent. It returns how many were enqueued.
func (q *Queue) RetryPass(ctx context.Context) (int, error) {
	pending, err := q.store.PendingSummaries(ctx, q.cfg.MaxAttempts, q.cfg.QueueSize)
	if err != nil {
		return 0, fmt.Errorf("summary: pending: %w", err)
	}
	n := 0
	for _, c := range pending {
		if q.Enqueue(c.ID) {
			n++
		}
	}
	if n > 0 {
		q.logger.Info("summary: retry pass", "enqueued", n, "pending", len(pending))
	}
	return n, nil
}

func (q *Queue) process(ctx context.Context, id string) {
	c, err := q.store.GetChange(ctx, id)
	if err != nil || c == nil {
		q.logger.Error("summary: load change", "change_id", id, "error", err)
		return
	}
	switch c.SummaryStatus {
	case store.SummaryDone, store.SummaryDead, store.SummaryOff:
		return
	}

	req, err := q.buildRequest(ctx, c)
	if err != nil {
		q.logger.Error("summary: build request", "change_id", id, "error", err)
		q.fail(ctx, c, err)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	out, err := q.summarizer.Summarize(rctx, req)
	timedOut := rctx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a summarizer failure.
			return
		}
		if timedOut && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		q.fail(ctx, c, err)
		return
	}

	title := truncate(q.policy.Sanitize(out.Title), maxTitleChars)
	text := q.policy.Sanitize(out.Summary)
	if err := q.store.AttachSummary(ctx, id, title, text); err != nil {
		q.logger.Error("summary: attach", "change_id", id, "error", err)
		return
	}
	q.logger.Info("summary: attached", "change_id", id, "attempt", c.SummaryAttempts+1)
	q.final(ctx, id)
}

func (q *Queue) fail(ctx context.Context, c *store.Change, cause error) {
	status, err := q.store.RecordSummaryFailure(ctx, c.ID, q.cfg.MaxAttempts)
	if err != nil {
		q.logger.Error("summary: record failure", "change_id", c.ID, "error", err)
		return
	}
	q.logger.Warn("summary: attempt failed",
		"change_id", c.ID, "status", status, "timeout", errors.Is(cause, ErrTimeout), "error", cause)
	if status == store.SummaryDead {
		q.final(ctx, c.ID)
	}
}

func (q *Queue) final(ctx context.Context, id string) {
	if q.onFinal == nil {
		return
	}
	c, err := q.store.GetChange(ctx, id)
	if err != nil || c == nil {
		return
	}
	q.onFinal(ctx, c)
}

func (q *Queue) buildRequest(ctx context.Context, c *store.Change) (*Request, error) {
	doc, err := q.store.GetDocument(ctx, c.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s not found", c.DocumentID)
	}
	var spans []diff.Span
	if err := json.Unmarshal([]byte(c.DiffJSON), &spans); err != nil {
		return nil, fmt.Errorf("decode diff: %w", err)
	}
	return &Request{Service: doc.Service, DocumentKind: doc.Kind, Spans: spans}, nil
}
