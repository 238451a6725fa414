package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const scanRunColumns = `id, started_at, finished_at, documents_scanned, changes_detected, errors_json, trigger`

// StartScanRun inserts an open run record. run.ID and run.StartedAt are
// assigned when empty.
func (s *Store) StartScanRun(ctx context.Context, run *ScanRun) error {
	if run.ID == "" {
		run.ID = s.id("run_")
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixMilli()
	}
	if run.Trigger == "" {
		run.Trigger = "tick"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO scan_runs (id, started_at, trigger) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt, run.Trigger)
	return err
}

// FinishScanRun closes a run with its totals. A finished run is never
// updated again.
func (s *Store) FinishScanRun(ctx context.Context, run *ScanRun) error {
	if run.FinishedAt == nil {
		now := time.Now().UnixMilli()
		run.FinishedAt = &now
	}
	if run.Errors == nil {
		run.Errors = []ScanRunError{}
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scan_runs SET finished_at = ?, documents_scanned = ?, changes_detected = ?, errors_json = ?
		WHERE id = ? AND finished_at IS NULL`,
		*run.FinishedAt, run.DocumentsScanned, run.ChangesDetected, string(errs), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish scan run %s: not open", run.ID)
	}
	return nil
}

// GetScanRun retrieves a run by ID.
func (s *Store) GetScanRun(ctx context.Context, id string) (*ScanRun, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scanRunColumns+` FROM scan_runs WHERE id = ?`, id)
	run, err := scanScanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListScanRuns returns the most recent runs, newest first.
func (s *Store) ListScanRuns(ctx context.Context, limit int) ([]*ScanRun, error) {
	_, _, limit = TimeRange{Limit: limit}.bounds()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+scanRunColumns+` FROM scan_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScanRun
	for rows.Next() {
		run, err := scanScanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanScanRun(sc scanner) (*ScanRun, error) {
	var run ScanRun
	var errs string
	if err := sc.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.DocumentsScanned,
		&run.ChangesDetected, &errs, &run.Trigger); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	return &run, nil
}
