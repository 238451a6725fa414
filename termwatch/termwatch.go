// Package termwatch monitors Terms of Service and Privacy Policy pages,
// records every version, detects and grades changes, and tells
// subscribers according to their plan.
//
// Service wires the pipeline together: scheduler → scan orchestrator →
// fetcher, differ, classifier → store, then the summary queue, the
// delivery dispatcher and the export feed. Admin HTTP routes and MCP tools
// call the same Service methods.
//
// Usage:
//
//	db, _ := dbopen.Open(cfg.Database.Path, dbopen.WithMkdirAll())
//	svc, err := termwatch.New(db, cfg, logger)
//	svc.Start(ctx)
//	defer svc.Close()
package termwatch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/termwatch/termwatch/internal/classify"
	"github.com/hazyhaar/termwatch/termwatch/internal/delivery"
	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
	"github.com/hazyhaar/termwatch/termwatch/internal/export"
	"github.com/hazyhaar/termwatch/termwatch/internal/fetch"
	"github.com/hazyhaar/termwatch/termwatch/internal/metrics"
	"github.com/hazyhaar/termwatch/termwatch/internal/scan"
	"github.com/hazyhaar/termwatch/termwatch/internal/scheduler"
	"github.com/hazyhaar/termwatch/termwatch/internal/store"
	"github.com/hazyhaar/termwatch/termwatch/internal/summary"
)

// Re-exported record types.
type (
	Document = store.Document
	Snapshot = store.Snapshot
	Change       = store.Change
	ScanRun      = store.ScanRun
	ScanRunError = store.ScanRunError
)

// DocumentScan is the outcome of rescanning one document.
type DocumentScan struct {
	DocumentID string         `json:"document_id"`
	Change     *Change        `json:"change,omitempty"`
	Errors     []ScanRunError `json:"errors"`
}

// Service is the termwatch pipeline.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	store        *store.Store
	orchestrator *scan.Orchestrator
	queue        *summary.Queue // nil when summaries are disabled
	dispatcher   *delivery.Dispatcher
	feed         *export.Feed
	scheduler    *scheduler.Scheduler
	metrics      *metrics.Recorder
}

type options struct {
	summarizer   summary.Summarizer
	fetcher      scan.Fetcher
	urlValidator func(string) error
	subscribers  delivery.SubscriberSource
	transport    delivery.Transport
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*options)

// WithSummarizer replaces the configured summary provider.
func WithSummarizer(s summary.Summarizer) ServiceOption {
	return func(o *options) { o.summarizer = s }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f scan.Fetcher) ServiceOption {
	return func(o *options) { o.fetcher = f }
}

// WithURLValidator overrides the SSRF guard of the fetcher and webhooks
// (default: horosafe.ValidateURL). Use in tests with httptest servers that
// listen on loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(o *options) { o.urlValidator = fn }
}

// WithSubscriberSource replaces the subscribers listed in the config.
func WithSubscriberSource(src delivery.SubscriberSource) ServiceOption {
	return func(o *options) { o.subscribers = src }
}

// WithTransport sets the default delivery transport (default: log).
func WithTransport(t delivery.Transport) ServiceOption {
	return func(o *options) { o.transport = t }
}

// New creates a Service on an opened database and applies the schema.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("termwatch: schema: %w", err)
	}
	st := store.New(db)

	classifier, err := classify.LoadFile(cfg.Classify.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("termwatch: %w", err)
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fc := cfg.Fetch.fetcher()
		fc.URLValidator = o.urlValidator
		fc.Logger = logger
		fetcher = fetch.New(fc, fetch.NewNormalizer(&cfg.Fetch.Normalize))
	}

	svc := &Service{cfg: cfg, logger: logger, store: st}

	src := o.subscribers
	if src == nil {
		src = delivery.StaticSource(cfg.Subscribers)
	}
	dopts := []delivery.DispatcherOption{delivery.WithLogger(logger)}
	if o.transport != nil {
		dopts = append(dopts, delivery.WithTransport(o.transport))
	}
	if cfg.Delivery.Webhooks {
		var wopts []delivery.WebhookOption
		if o.urlValidator != nil {
			wopts = append(wopts, delivery.WithWebhookURLValidator(o.urlValidator))
		}
		dopts = append(dopts, delivery.WithWebhook(delivery.NewWebhook(wopts...)))
	}
	svc.dispatcher = delivery.NewDispatcher(st, src, dopts...)
	svc.feed = export.NewFeed(cfg.Export.Path, cfg.Export.MaxEntries)

	summarizer := o.summarizer
	if summarizer == nil && cfg.Summary.APIKey != "" {
		client, err := summary.NewClient(cfg.Summary.Provider, cfg.Summary.APIKey,
			summary.WithModel(cfg.Summary.Model), summary.WithBaseURL(cfg.Summary.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("termwatch: %w", err)
		}
		summarizer = client
	}

	svc.metrics, err = metrics.New(db, 0, cfg.Metrics.FlushInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("termwatch: %w", err)
	}

	scanOpts := []scan.Option{
		scan.WithConfig(cfg.Scan),
		scan.WithLogger(logger),
		scan.WithNotifier(svc.dispatcher),
		scan.WithFinal(svc.finalize),
	}
	if summarizer != nil {
		svc.queue = summary.NewQueue(st, summarizer, cfg.Summary.Queue, logger)
		svc.queue.OnFinal(func(ctx context.Context, c *store.Change) {
			doc, _ := st.GetDocument(ctx, c.DocumentID)
			svc.finalize(ctx, doc, c)
		})
		scanOpts = append(scanOpts, scan.WithSummaries(svc.queue))
	} else {
		logger.Info("termwatch: summaries disabled (no API key)")
	}
	svc.orchestrator = scan.New(st, fetcher, diff.New(cfg.Diff), classifier, scanOpts...)

	svc.scheduler = scheduler.New(func(ctx context.Context, trigger string) error {
		_, err := svc.RunScan(ctx, trigger)
		return err
	}, cfg.Scheduler, logger)
	if err := svc.addJobs(); err != nil {
		svc.metrics.Close()
		return nil, err
	}
	return svc, nil
}

func (svc *Service) addJobs() error {
	flush := func(freq string) scheduler.JobFunc {
		return func(ctx context.Context) error {
			_, err := svc.dispatcher.FlushDigest(ctx, freq)
			return err
		}
	}
	if err := svc.scheduler.AddJob(svc.cfg.Delivery.DailyCron, "digest-daily", flush(delivery.FrequencyDaily)); err != nil {
		return err
	}
	if err := svc.scheduler.AddJob(svc.cfg.Delivery.WeeklyCron, "digest-weekly", flush(delivery.FrequencyWeekly)); err != nil {
		return err
	}
	if err := svc.scheduler.AddJob("@daily", "metrics-cleanup", func(ctx context.Context) error {
		_, err := svc.metrics.Cleanup(ctx, svc.cfg.Metrics.Retention)
		return err
	}); err != nil {
		return err
	}
	if svc.queue != nil {
		every := fmt.Sprintf("@every %s", svc.cfg.Summary.RetryInterval)
		if err := svc.scheduler.AddJob(every, "summary-retry", func(ctx context.Context) error {
			_, err := svc.queue.RetryPass(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start seeds the configured documents, then launches the summary workers
// and the scheduler. Non-blocking.
func (svc *Service) Start(ctx context.Context) error {
	if err := svc.SeedDocuments(ctx); err != nil {
		return err
	}
	if svc.queue != nil {
		svc.queue.Start(ctx)
		if _, err := svc.queue.RetryPass(ctx); err != nil {
			svc.logger.Warn("termwatch: initial summary retry pass", "error", err)
		}
	}
	if err := svc.scheduler.Start(ctx); err != nil {
		return err
	}
	svc.logger.Info("termwatch: started", "documents", len(svc.cfg.Documents), "subscribers", len(svc.cfg.Subscribers))
	return nil
}

// Close stops the scheduler and the summary workers, then flushes metrics.
func (svc *Service) Close() error {
	svc.scheduler.Stop()
	if svc.queue != nil {
		svc.queue.Stop()
	}
	svc.metrics.Close()
	svc.logger.Info("termwatch: closed")
	return nil
}

// SeedDocuments upserts the documents listed in the config. Existing
// documents keep their ID and history.
func (svc *Service) SeedDocuments(ctx context.Context) error {
	for _, d := range svc.cfg.Documents {
		active := true
		if d.Active != nil {
			active = *d.Active
		}
		doc := &store.Document{Service: d.Service, URL: d.URL, Kind: d.Kind, Active: active}
		if err := svc.store.UpsertDocument(ctx, doc); err != nil {
			return fmt.Errorf("termwatch: seed %s: %w", d.URL, err)
		}
		// An explicit active key overrides a pause or resume made at runtime.
		if d.Active != nil {
			if err := svc.store.SetActive(ctx, doc.ID, *d.Active); err != nil {
				return fmt.Errorf("termwatch: seed %s: %w", d.URL, err)
			}
		}
	}
	return nil
}

// finalize exports a change once its summary is settled. Export is
// best-effort.
func (svc *Service) finalize(ctx context.Context, doc *store.Document, c *store.Change) {
	svc.metrics.Add("change_finalized", 1, "count",
		"severity", c.Severity, "summary_status", c.SummaryStatus)
	if err := svc.feed.Append(ctx, export.EntryFor(doc, c)); err != nil {
		svc.logger.Warn("termwatch: export", "change_id", c.ID, "error", err)
	}
}

// TriggerScan asks the scheduler for a scan. It returns ErrScanInFlight when
// the trigger is coalesced into a run already in flight or cooling down.
func (svc *Service) TriggerScan(ctx context.Context) error {
	if !svc.scheduler.Trigger("manual") {
		return ErrScanInFlight
	}
	return nil
}

// RunScan runs one scan synchronously, bypassing the scheduler.
func (svc *Service) RunScan(ctx context.Context, trigger string) (*ScanRun, error) {
	run, err := svc.orchestrator.RunScan(ctx, trigger)
	if run != nil && run.FinishedAt != nil {
		svc.metrics.Add("scan_duration_ms", float64(*run.FinishedAt-run.StartedAt), "ms", "trigger", trigger)
		svc.metrics.Add("scan_documents", float64(run.DocumentsScanned), "count", "trigger", trigger)
		svc.metrics.Add("scan_changes", float64(run.ChangesDetected), "count", "trigger", trigger)
		svc.metrics.Add("scan_errors", float64(len(run.Errors)), "count", "trigger", trigger)
	}
	return run, err
}

// ScanDocument rescans one document now, outside the scheduler. It runs
// under the same per-document lock as scheduled scans, and paused documents
// are scanned too.
func (svc *Service) ScanDocument(ctx context.Context, id string) (*DocumentScan, error) {
	if _, err := svc.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	change, errs, err := svc.orchestrator.ScanDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.metrics.Add("document_scans", 1, "count",
		"changed", strconv.FormatBool(change != nil), "failed", strconv.FormatBool(len(errs) > 0))
	if errs == nil {
		errs = []ScanRunError{}
	}
	return &DocumentScan{DocumentID: id, Change: change, Errors: errs}, nil
}

// QueryMetrics returns recorded pipeline metrics, newest first.
func (svc *Service) QueryMetrics(ctx context.Context, name string, since, until time.Time, limit int) ([]*metrics.Point, error) {
	return svc.metrics.Query(ctx, name, since, until, limit)
}

// SchedulerStatus reports the scan loop state.
func (svc *Service) SchedulerStatus() scheduler.Status {
	return svc.scheduler.Status()
}

// FlushDigest sends the queued digests of a frequency now.
func (svc *Service) FlushDigest(ctx context.Context, frequency string) (int, error) {
	if frequency != delivery.FrequencyDaily && frequency != delivery.FrequencyWeekly {
		return 0, fmt.Errorf("%w: frequency %q", ErrInvalidInput, frequency)
	}
	return svc.dispatcher.FlushDigest(ctx, frequency)
}

// ListDocuments returns every registered document.
func (svc *Service) ListDocuments(ctx context.Context) ([]*Document, error) {
	return svc.store.ListDocuments(ctx)
}

// GetDocument returns a document or ErrNotFound.
func (svc *Service) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := svc.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return doc, nil
}

// SetDocumentActive pauses or resumes monitoring of a document.
func (svc *Service) SetDocumentActive(ctx context.Context, id string, active bool) error {
	if _, err := svc.GetDocument(ctx, id); err != nil {
		return err
	}
	return svc.store.SetActive(ctx, id, active)
}

// ListSnapshots returns a document's snapshots fetched in [since, until),
// newest first. Zero times are unbounded.
func (svc *Service) ListSnapshots(ctx context.Context, documentID string, since, until time.Time, limit int) ([]*Snapshot, error) {
	if _, err := svc.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return svc.store.ListSnapshots(ctx, documentID, timeRange(since, until, limit))
}

// ListChanges returns changes detected in [since, until), newest first.
// An empty documentID lists every document's changes.
func (svc *Service) ListChanges(ctx context.Context, documentID string, since, until time.Time, limit int) ([]*Change, error) {
	if documentID != "" {
		if _, err := svc.GetDocument(ctx, documentID); err != nil {
			return nil, err
		}
	}
	return svc.store.ListChanges(ctx, documentID, timeRange(since, until, limit))
}

// GetChange returns a change or ErrNotFound.
func (svc *Service) GetChange(ctx context.Context, id string) (*Change, error) {
	c, err := svc.store.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: change %s", ErrNotFound, id)
	}
	return c, nil
}

// ListScanRuns returns the most recent runs, newest first.
func (svc *Service) ListScanRuns(ctx context.Context, limit int) ([]*ScanRun, error) {
	return svc.store.ListScanRuns(ctx, limit)
}

// GetScanRun returns a run or ErrNotFound.
func (svc *Service) GetScanRun(ctx context.Context, id string) (*ScanRun, error) {
	run, err := svc.store.GetScanRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: scan run %s", ErrNotFound, id)
	}
	return run, nil
}

func timeRange(since, until time.Time, limit int) store.TimeRange {
	r := store.TimeRange{Limit: limit}
	if !since.IsZero() {
		r.Since = since.UnixMilli()
	}
	if !until.IsZero() {
		r.Until = until.UnixMilli()
	}
	return r
}
