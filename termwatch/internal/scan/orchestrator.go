// Package scan runs one pass over every active document: fetch, compare
// with the latest snapshot, classify, persist, then hand the change to the
// summary queue and the delivery gate.
//
// Per-document failures are recorded in the ScanRun and never stop the
// other documents. Documents are scanned on a bounded worker pool and a
// document is never scanned twice at the same time.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/termwatch/termwatch/internal/classify"
	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
	"github.com/hazyhaar/termwatch/termwatch/internal/fetch"
	"github.com/hazyhaar/termwatch/termwatch/internal/store"
)

// Error kinds recorded in ScanRun.Errors.
const (
	ErrKindFetch         = "fetch"
	ErrKindNormalization = "normalization"
	ErrKindStore         = "store"
	ErrKindDelivery      = "delivery"
)

// Fetcher retrieves normalized document text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
}

// SummaryQueue accepts changes for asynchronous summarization.
type SummaryQueue interface {
	Enqueue(changeID string) bool
}

// Notifier hands a detected change to the delivery gate.
type Notifier interface {
	Notify(ctx context.Context, doc *store.Document, c *store.Change) error
}

// FinalFunc is called for a change that needs no summary.
type FinalFunc func(ctx context.Context, doc *store.Document, c *store.Change)

// Config tunes a scan.
type Config struct {
	Workers     int `yaml:"workers"`      // concurrent documents. Default: 4.
	DiffContext int `yaml:"diff_context"` // equal lines kept around stored diff hunks. Default: 3.
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DiffContext <= 0 {
		c.DiffContext = 3
	}
}

// Orchestrator runs scans.
type Orchestrator struct {
	store      *store.Store
	fetcher    Fetcher
	differ     *diff.Differ
	classifier *classify.Classifier
	summaries  SummaryQueue
	notifier   Notifier
	onFinal    FinalFunc
	cfg        Config
	logger     *slog.Logger

	locks sync.Map // document ID -> *sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSummaries enables summaries. Without a queue, changes are stored
// with the summary disabled.
func WithSummaries(q SummaryQueue) Option { return func(o *Orchestrator) { o.summaries = q } }

// WithNotifier sets the delivery gate.
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithFinal registers the hook for changes finalized at detection time.
func WithFinal(fn FinalFunc) Option { return func(o *Orchestrator) { o.onFinal = fn } }

// WithConfig sets the scan configuration.
func WithConfig(cfg Config) Option { return func(o *Orchestrator) { o.cfg = cfg } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New creates an Orchestrator.
func New(st *store.Store, f Fetcher, d *diff.Differ, c *classify.Classifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		fetcher:    f,
		differ:     d,
		classifier: c,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.defaults()
	return o
}

// outcome is the result of scanning one document.
type outcome struct {
	change *store.Change
	errs   []store.ScanRunError
}

// RunScan scans every active document once and records the run. An error
// is returned only when the scan could not run at all; per-document
// failures are in the returned run's Errors.
func (o *Orchestrator) RunScan(ctx context.Context, trigger string) (*store.ScanRun, error) {
	run := &store.ScanRun{Trigger: trigger}
	if err := o.store.StartScanRun(ctx, run); err != nil {
		return nil, fmt.Errorf("scan: start run: %w", err)
	}
	// The run record is closed even when ctx is cancelled mid-scan.
	finishCtx := context.WithoutCancel(ctx)

	docs, err := o.store.ListActiveDocuments(ctx)
	if err != nil {
		run.Errors = append(run.Errors, store.ScanRunError{Kind: ErrKindStore, Message: err.Error()})
		if ferr := o.store.FinishScanRun(finishCtx, run); ferr != nil {
			o.logger.Error("scan: finish run", "run_id", run.ID, "error", ferr)
		}
		return run, fmt.Errorf("scan: list documents: %w", err)
	}

	start := time.Now()
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, doc := range docs {
		g.Go(func() error {
			out := o.scanDocument(ctx, doc)
			mu.Lock()
			run.DocumentsScanned++
			if out.change != nil {
				run.ChangesDetected++
			}
			run.Errors = append(run.Errors, out.errs...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := o.store.FinishScanRun(finishCtx, run); err != nil {
		return run, fmt.Errorf("scan: finish run: %w", err)
	}
	o.logger.Info("scan: run finished",
		"run_id", run.ID,
		"trigger", trigger,
		"documents", run.DocumentsScanned,
		"changes", run.ChangesDetected,
		"errors", len(run.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if err := ctx.Err(); err != nil {
		return run, err
	}
	return run, nil
}

// ScanDocument scans a single document outside a run. It returns the
// detected change, if any, and the document's failures.
func (o *Orchestrator) ScanDocument(ctx context.Context, documentID string) (*store.Change, []store.ScanRunError, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, fmt.Errorf("scan: document %s not found", documentID)
	}
	out := o.scanDocument(ctx, doc)
	return out.change, out.errs, nil
}

func (o *Orchestrator) lock(documentID string) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(documentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (o *Orchestrator) scanDocument(ctx context.Context, doc *store.Document) outcome {
	mu := o.lock(doc.ID)
	mu.Lock()
	defer mu.Unlock()

	logger := o.logger.With("document_id", doc.ID, "service", doc.Service)
	fail := func(kind string, err error) outcome {
		logger.Warn("scan: document failed", "kind", kind, "error", err)
		return outcome{errs: []store.ScanRunError{{DocumentID: doc.ID, Kind: kind, Message: err.Error()}}}
	}

	res, err := o.fetcher.Fetch(ctx, doc.URL)
	if err != nil {
		o.logFetch(ctx, doc, nil, nil, err)
		var nerr *fetch.NormalizationError
		if errors.As(err, &nerr) {
			return fail(ErrKindNormalization, err)
		}
		return fail(ErrKindFetch, err)
	}

	prev, err := o.store.LatestSnapshot(ctx, doc.ID)
	if err != nil {
		return fail(ErrKindStore, fmt.Errorf("latest snapshot: %w", err))
	}

	result := &store.ScanResult{
		DocumentID: doc.ID,
		Snapshot:   &store.Snapshot{Content: res.Text, ContentHash: res.Hash},
		Previous:   prev,
	}
	if prev != nil && prev.ContentHash != res.Hash {
		result.Change = o.detect(doc, prev, res.Text)
	}
	o.logFetch(ctx, doc, res, prev, nil)

	if err := o.store.CommitScan(ctx, result); err != nil {
		return fail(ErrKindStore, fmt.Errorf("commit: %w", err))
	}
	c := result.Change
	if c == nil {
		if prev == nil {
			logger.Info("scan: baseline stored", "snapshot_id", result.Snapshot.ID)
		}
		return outcome{}
	}

	logger.Info("scan: change detected",
		"change_id", c.ID,
		"severity", c.Severity,
		"sections", c.SectionsChanged,
		"words_added", c.WordsAdded,
		"words_removed", c.WordsRemoved,
	)
	if o.summaries != nil {
		o.summaries.Enqueue(c.ID)
	} else if o.onFinal != nil {
		o.onFinal(ctx, doc, c)
	}

	out := outcome{change: c}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, doc, c); err != nil {
			logger.Warn("scan: delivery failed", "change_id", c.ID, "error", err)
			out.errs = append(out.errs, store.ScanRunError{DocumentID: doc.ID, Kind: ErrKindDelivery, Message: err.Error()})
		}
	}
	return out
}

// detect diffs and classifies; it returns nil when the difference is noise.
func (o *Orchestrator) detect(doc *store.Document, prev *store.Snapshot, text string) *store.Change {
	d := o.differ.Diff(prev.Content, text)
	if !d.Changed {
		return nil
	}
	decision := o.classifier.Classify(d)
	spans, err := json.Marshal(d.Compact(o.cfg.DiffContext))
	if err != nil {
		o.logger.Error("scan: encode diff", "document_id", doc.ID, "error", err)
		spans = []byte("[]")
	}

	status := store.SummaryPending
	if o.summaries == nil {
		status = store.SummaryOff
	}
	return &store.Change{
		ChangeType:      ChangeType(doc.Kind),
		Severity:        string(decision.Severity),
		Title:           DefaultTitle(doc),
		DiffJSON:        string(spans),
		SectionsChanged: d.Metrics.SectionsChanged,
		WordsAdded:      d.Metrics.WordsAdded,
		WordsRemoved:    d.Metrics.WordsRemoved,
		SummaryStatus:   status,
	}
}

func (o *Orchestrator) logFetch(ctx context.Context, doc *store.Document, res *fetch.Result, prev *store.Snapshot, ferr error) {
	e := &store.FetchLogEntry{DocumentID: doc.ID, Status: "ok"}
	if ferr != nil {
		e.Status = "error"
		e.ErrorMessage = ferr.Error()
		var fe *fetch.Error
		if errors.As(ferr, &fe) {
			e.StatusCode = fe.StatusCode
		}
	}
	if res != nil {
		if prev != nil && prev.ContentHash == res.Hash {
			e.Status = "unchanged"
		}
		e.StatusCode = res.StatusCode
		e.ContentHash = res.Hash
		e.DurationMs = res.Duration.Milliseconds()
	}
	if err := o.store.InsertFetchLog(ctx, e); err != nil {
		o.logger.Warn("scan: fetch log", "document_id", doc.ID, "error", err)
	}
}

// ChangeType maps a document kind to the change type.
func ChangeType(kind string) string {
	switch kind {
	case store.KindTerms:
		return "tos_update"
	case store.KindPrivacy:
		return "privacy_update"
	default:
		return "policy_update"
	}
}

// DefaultTitle is a change's title until a summary replaces it.
func DefaultTitle(doc *store.Document) string {
	return doc.Service + " " + doc.Kind + " updated"
}
