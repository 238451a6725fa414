package metrics

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/termwatch/dbopen"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New(dbopen.OpenMemory(t), 100, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecorder_RecordAndQuery(t *testing.T) {
	r := newRecorder(t)
	r.Add("scan_duration_ms", 1250, "ms", "trigger", "tick")
	r.Add("scan_changes", 2, "count")
	r.Flush()

	points, err := r.Query(context.Background(), "scan_duration_ms", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Value != 1250 || points[0].Labels["trigger"] != "tick" {
		t.Fatalf("points = %+v", points)
	}
	all, _ := r.Query(context.Background(), "", time.Time{}, time.Time{}, 0)
	if len(all) != 2 {
		t.Fatalf("all points = %d", len(all))
	}
}

func TestRecorder_QueryTimeRange(t *testing.T) {
	r := newRecorder(t)
	now := time.Now()
	r.Record(&Point{Name: "m", Timestamp: now.Add(-2 * time.Hour), Value: 1})
	r.Record(&Point{Name: "m", Timestamp: now, Value: 2})
	r.Flush()

	points, err := r.Query(context.Background(), "m", now.Add(-time.Hour), time.Time{}, 0)
	if err != nil || len(points) != 1 || points[0].Value != 2 {
		t.Fatalf("since filter: %+v, %v", points, err)
	}
	points, _ = r.Query(context.Background(), "m", time.Time{}, now.Add(-time.Hour), 0)
	if len(points) != 1 || points[0].Value != 1 {
		t.Fatalf("until filter: %+v", points)
	}
}

func TestRecorder_FlushOnFullBuffer(t *testing.T) {
	// WHAT: Reaching the buffer size flushes without waiting for the ticker.
	r, err := New(dbopen.OpenMemory(t), 2, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	r.Add("a", 1, "")
	r.Add("a", 2, "")

	points, _ := r.Query(context.Background(), "a", time.Time{}, time.Time{}, 0)
	if len(points) != 2 {
		t.Fatalf("points after full buffer = %d", len(points))
	}
}

func TestRecorder_CloseFlushes(t *testing.T) {
	db := dbopen.OpenMemory(t)
	r, err := New(db, 100, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Add("a", 1, "")
	r.Close()
	r.Close()

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows after close = %d", n)
	}
}

func TestRecorder_Cleanup(t *testing.T) {
	r := newRecorder(t)
	r.Record(&Point{Name: "old", Timestamp: time.Now().Add(-40 * 24 * time.Hour), Value: 1})
	r.Record(&Point{Name: "new", Value: 2})
	r.Flush()

	deleted, err := r.Cleanup(context.Background(), 30*24*time.Hour)
	if err != nil || deleted != 1 {
		t.Fatalf("deleted = %d, %v", deleted, err)
	}
}
