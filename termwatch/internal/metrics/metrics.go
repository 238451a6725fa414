// Package metrics keeps pipeline timeseries (scan durations, change and
// error counts, summary outcomes) in the termwatch SQLite database.
//
// Points are buffered and flushed in batches; a failed flush drops the batch
// rather than slowing the pipeline.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/termwatch/dbopen"
)

// Schema is the metrics table.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics (
    name   TEXT NOT NULL,
    ts     INTEGER NOT NULL,
    value  REAL NOT NULL,
    labels TEXT NOT NULL DEFAULT '{}',
    unit   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics(name, ts DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(ts);
`

// Point is a single datapoint.
type Point struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"` // "ms", "count"
}

// Recorder buffers points and flushes them to SQLite in batches.
type Recorder struct {
	db            *sql.DB
	logger        *slog.Logger
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Point

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New applies the schema and starts the flush loop. Defaults: bufferSize
// 100, flushInterval 5s.
func New(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) (*Recorder, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("metrics: schema: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		db:            db,
		logger:        logger,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Point, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.flushLoop()
	return r, nil
}

// Record queues a point. Non-blocking apart from a full-buffer flush.
func (r *Recorder) Record(p *Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = append(r.buffer, p)
	if len(r.buffer) >= r.bufferSize {
		r.flushLocked()
	}
}

// Add records a point now. labels are key/value pairs; an odd trailing key
// is ignored.
func (r *Recorder) Add(name string, value float64, unit string, labels ...string) {
	p := &Point{Name: name, Value: value, Unit: unit}
	if len(labels) >= 2 {
		p.Labels = make(map[string]string, len(labels)/2)
		for i := 0; i+1 < len(labels); i += 2 {
			p.Labels[labels[i]] = labels[i+1]
		}
	}
	r.Record(p)
}

// Flush writes the buffered points now.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// Query returns points named name (empty for all) in [since, until), newest
// first. Zero times are unbounded; limit <= 0 means 500.
func (r *Recorder) Query(ctx context.Context, name string, since, until time.Time, limit int) ([]*Point, error) {
	q := `SELECT name, ts, value, labels, unit FROM metrics WHERE 1=1`
	var args []any
	if name != "" {
		q += ` AND name = ?`
		args = append(args, name)
	}
	if !since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, since.UnixMilli())
	}
	if !until.IsZero() {
		q += ` AND ts < ?`
		args = append(args, until.UnixMilli())
	}
	if limit <= 0 {
		limit = 500
	}
	q += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("metrics: query: %w", err)
	}
	defer rows.Close()

	var out []*Point
	for rows.Next() {
		var p Point
		var ts int64
		var labels string
		if err := rows.Scan(&p.Name, &ts, &p.Value, &labels, &p.Unit); err != nil {
			return nil, fmt.Errorf("metrics: scan: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts)
		if labels != "" && labels != "{}" {
			json.Unmarshal([]byte(labels), &p.Labels)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Cleanup deletes points older than retention and returns the count removed.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := r.db.ExecContext(ctx, `DELETE FROM metrics WHERE ts < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("metrics: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining points and stops the flush loop. Safe to call twice.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			r.Flush()
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

func (r *Recorder) flushLocked() {
	if len(r.buffer) == 0 {
		return
	}
	batch := r.buffer
	r.buffer = make([]*Point, 0, r.bufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics (name, ts, value, labels, unit) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range batch {
			labels := "{}"
			if len(p.Labels) > 0 {
				if b, err := json.Marshal(p.Labels); err == nil {
					labels = string(b)
				}
			}
			if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.UnixMilli(), p.Value, labels, p.Unit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("metrics: flush dropped batch", "points", len(batch), "error", err)
	}
}
