package store

import (
	"context"
	"database/sql"
	"fmt"
)

const changeColumns = `id, document_id, old_snapshot_id, new_snapshot_id, change_type, severity,
	title, diff_json, sections_changed, words_added, words_removed,
	summary, summary_status, summary_attempts, detected_at`

// GetChange retrieves a change by ID.
func (s *Store) GetChange(ctx context.Context, id string) (*Change, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM changes WHERE id = ?`, id)
	return scanChange(row)
}

// ListChanges returns a document's changes detected in the range, newest first.
// An empty documentID lists changes across all documents.
func (s *Store) ListChanges(ctx context.Context, documentID string, r TimeRange) ([]*Change, error) {
	since, until, limit := r.bounds()
	return s.queryChanges(ctx,
		`SELECT `+changeColumns+` FROM changes
		WHERE (? = '' OR document_id = ?) AND detected_at >= ? AND detected_at < ?
		ORDER BY detected_at DESC, id DESC LIMIT ?`,
		documentID, documentID, since, until, limit)
}

// PendingSummaries returns changes whose summary is still missing and that
// have been attempted fewer than maxAttempts times, oldest first.
func (s *Store) PendingSummaries(ctx context.Context, maxAttempts, limit int) ([]*Change, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.queryChanges(ctx,
		`SELECT `+changeColumns+` FROM changes
		WHERE summary_status IN ('pending', 'failed') AND summary_attempts < ?
		ORDER BY detected_at ASC LIMIT ?`, maxAttempts, limit)
}

// AttachSummary stores the summarizer output. Only title, summary and the
// summary bookkeeping are mutable on a change.
func (s *Store) AttachSummary(ctx context.Context, id, title, summary string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE changes SET title = CASE WHEN ? = '' THEN title ELSE ? END,
		summary = ?, summary_status = 'done', summary_attempts = summary_attempts + 1
		WHERE id = ?`, title, title, summary, id)
	return err
}

// RecordSummaryFailure counts a failed attempt. Once attempts reach
// maxAttempts the change is marked dead and left with an empty summary.
// It returns the resulting status.
func (s *Store) RecordSummaryFailure(ctx context.Context, id string, maxAttempts int) (string, error) {
	var status string
	err := s.DB.QueryRowContext(ctx,
		`UPDATE changes SET summary_attempts = summary_attempts + 1,
		summary_status = CASE WHEN summary_attempts + 1 >= ? THEN 'dead' ELSE 'failed' END
		WHERE id = ? RETURNING summary_status`, maxAttempts, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("record summary failure: %w", err)
	}
	return status, nil
}

// SetSummaryStatus overwrites the summary status without counting an attempt.
func (s *Store) SetSummaryStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE changes SET summary_status = ? WHERE id = ?`, status, id)
	return err
}

// CountChanges returns the number of changes recorded for a document.
func (s *Store) CountChanges(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changes WHERE document_id = ?`, documentID).Scan(&n)
	return n, err
}

func (s *Store) queryChanges(ctx context.Context, query string, args ...any) ([]*Change, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Change
	for rows.Next() {
		c, err := scanChangeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChangeInto(sc scanner) (*Change, error) {
	var c Change
	err := sc.Scan(&c.ID, &c.DocumentID, &c.OldSnapshotID, &c.NewSnapshotID, &c.ChangeType,
		&c.Severity, &c.Title, &c.DiffJSON, &c.SectionsChanged, &c.WordsAdded, &c.WordsRemoved,
		&c.Summary, &c.SummaryStatus, &c.SummaryAttempts, &c.DetectedAt)
	return &c, err
}

func scanChange(row *sql.Row) (*Change, error) {
	c, err := scanChangeInto(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan change: %w", err)
	}
	return c, nil
}

func scanChangeRows(rows *sql.Rows) (*Change, error) {
	c, err := scanChangeInto(rows)
	if err != nil {
		return nil, fmt.Errorf("scan change row: %w", err)
	}
	return c, nil
}
