// Package scheduler triggers scan runs on a fixed interval and on demand,
// with at most one run in flight. It also hosts the periodic maintenance
// jobs (digest flushes, summary retry pass) on the same cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// State of the scan loop.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateBackoff State = "error-backoff"
)

// RunFunc executes one scan. An error means the scan itself failed, not a
// single document.
type RunFunc func(ctx context.Context, trigger string) error

// JobFunc is a maintenance job.
type JobFunc func(ctx context.Context) error

// Config configures the scheduler.
type Config struct {
	// Interval between scheduled scans. Default: 6h. cron rounds it to whole seconds.
	Interval time.Duration `yaml:"interval"`
	// Cooldown after a failed scan before triggers are accepted again. Default: 1m.
	Cooldown time.Duration `yaml:"cooldown"`
	// RunOnStart triggers a scan as soon as Start is called.
	RunOnStart bool `yaml:"run_on_start"`
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State     State  `json:"state"`
	LastRunAt int64  `json:"last_run_at,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Runs      int    `json:"runs"`
}

// Scheduler serializes scan runs.
type Scheduler struct {
	run    RunFunc
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	state   State
	pending bool
	status  Status
	wake    chan string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. Register maintenance jobs with AddJob before Start.
func New(run RunFunc, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:    run,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
		state:  StateIdle,
		wake:   make(chan string, 1),
		done:   make(chan struct{}),
	}
}

// AddJob schedules a maintenance job with a cron spec ("0 8 * * *",
// "@every 15m"). Jobs run outside the scan state machine; a panic is
// recovered and logged.
func (s *Scheduler) AddJob(spec, name string, fn JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.jobContext()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduler: job panic", "job", name, "panic", r)
			}
		}()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Warn("scheduler: job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("scheduler: job done", "job", name, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", name, err)
	}
	return nil
}

// Start begins the interval ticks and the run loop. It stops when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	every := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(every, func() { s.Trigger("tick") }); err != nil {
		return fmt.Errorf("scheduler: interval %s: %w", s.cfg.Interval, err)
	}
	go s.loop()
	s.cron.Start()
	s.logger.Info("scheduler: started", "interval", s.cfg.Interval.String(), "cooldown", s.cfg.Cooldown.String())
	if s.cfg.RunOnStart {
		s.Trigger("startup")
	}
	return nil
}

// Stop halts the cron, waits for running jobs and the current scan.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	<-s.done
}

// Trigger asks for a scan. It returns false when a scan is already running
// or queued, or the scheduler is cooling down after a failure: such
// triggers are coalesced into the current state.
func (s *Scheduler) Trigger(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.pending {
		s.logger.Debug("scheduler: trigger coalesced", "source", source, "state", s.state)
		return false
	}
	s.pending = true
	s.wake <- source
	return true
}

// Status returns the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	return st
}

func (s *Scheduler) jobContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case source := <-s.wake:
			s.execute(source)
		}
	}
}

func (s *Scheduler) execute(source string) {
	s.setState(StateRunning)
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()

	err := s.safeRun(source)

	s.mu.Lock()
	s.status.Runs++
	s.status.LastRunAt = time.Now().UnixMilli()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err == nil || s.ctx.Err() != nil {
		s.setState(StateIdle)
		return
	}

	s.logger.Error("scheduler: scan failed, cooling down", "trigger", source, "cooldown", s.cfg.Cooldown.String(), "error", err)
	s.setState(StateBackoff)
	t := time.NewTimer(s.cfg.Cooldown)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
	s.setState(StateIdle)
}

func (s *Scheduler) safeRun(source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: scan panic: %v", r)
		}
	}()
	return s.run(s.ctx, source)
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
