package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.Status().State, want)
}

func TestTrigger_CoalescedWhileRunning(t *testing.T) {
	// WHAT: Triggers during a run are dropped; at most one run is in flight.
	// WHY: An admin hammering "scan now" must not stack scans.
	release := make(chan struct{})
	var runs, inflight, maxInflight atomic.Int32
	run := func(ctx context.Context, trigger string) error {
		n := inflight.Add(1)
		if n > maxInflight.Load() {
			maxInflight.Store(n)
		}
		defer inflight.Add(-1)
		runs.Add(1)
		<-release
		return nil
	}
	s := New(run, Config{Interval: time.Hour}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if !s.Trigger("manual") {
		t.Fatal("first trigger refused")
	}
	waitState(t, s, StateRunning)
	for i := 0; i < 5; i++ {
		if s.Trigger("manual") {
			t.Fatal("trigger accepted while running")
		}
	}
	close(release)
	waitState(t, s, StateIdle)

	if runs.Load() != 1 || maxInflight.Load() != 1 {
		t.Fatalf("runs = %d, max in flight = %d", runs.Load(), maxInflight.Load())
	}
	if st := s.Status(); st.Runs != 1 || st.LastRunAt == 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestFailure_BackoffThenIdle(t *testing.T) {
	// WHAT: A failed scan enters error-backoff, refuses triggers, then returns to idle.
	var runs atomic.Int32
	s := New(func(context.Context, string) error {
		runs.Add(1)
		return errors.New("store unavailable")
	}, Config{Interval: time.Hour, Cooldown: 100 * time.Millisecond}, nil)
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger("manual")
	waitState(t, s, StateBackoff)
	if s.Trigger("manual") {
		t.Fatal("trigger accepted during backoff")
	}
	if st := s.Status(); st.LastError == "" {
		t.Fatal("last error not recorded")
	}
	waitState(t, s, StateIdle)
	if !s.Trigger("manual") {
		t.Fatal("trigger refused after cooldown")
	}
}

func TestPanic_Recovered(t *testing.T) {
	s := New(func(context.Context, string) error { panic("boom") },
		Config{Interval: time.Hour, Cooldown: 10 * time.Millisecond}, nil)
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger("manual")
	waitState(t, s, StateBackoff)
	waitState(t, s, StateIdle)
}

func TestRunOnStart(t *testing.T) {
	got := make(chan string, 1)
	s := New(func(_ context.Context, trigger string) error {
		got <- trigger
		return nil
	}, Config{Interval: time.Hour, RunOnStart: true}, nil)
	s.Start(context.Background())
	defer s.Stop()

	select {
	case tr := <-got:
		if tr != "startup" {
			t.Fatalf("trigger = %q", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no startup run")
	}
}

func TestInterval_Ticks(t *testing.T) {
	// WHAT: The interval schedule triggers scans without a manual trigger.
	got := make(chan string, 4)
	s := New(func(_ context.Context, trigger string) error {
		select {
		case got <- trigger:
		default:
		}
		return nil
	}, Config{Interval: time.Second}, nil)
	s.Start(context.Background())
	defer s.Stop()

	select {
	case tr := <-got:
		if tr != "tick" {
			t.Fatalf("trigger = %q", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tick")
	}
}

func TestAddJob_InvalidSpec(t *testing.T) {
	s := New(func(context.Context, string) error { return nil }, Config{}, nil)
	if err := s.AddJob("not a spec", "bad", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error")
	}
}

func TestStop_CancelsRun(t *testing.T) {
	started := make(chan struct{})
	s := New(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Config{Interval: time.Hour}, nil)
	s.Start(context.Background())
	s.Trigger("manual")
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
