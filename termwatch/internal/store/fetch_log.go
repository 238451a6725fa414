package store

import (
	"context"
	"fmt"
	"time"
)

// InsertFetchLog records a fetch attempt.
func (s *Store) InsertFetchLog(ctx context.Context, e *FetchLogEntry) error {
	if e.ID == "" {
		e.ID = s.id("fl_")
	}
	if e.FetchedAt == 0 {
		e.FetchedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log (id, document_id, status, status_code, content_hash,
		error_message, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, e.Status, e.StatusCode, e.ContentHash,
		e.ErrorMessage, e.DurationMs, e.FetchedAt,
	)
	return err
}

// FetchHistory returns fetch log entries for a document, newest first.
func (s *Store) FetchHistory(ctx context.Context, documentID string, limit int) ([]*FetchLogEntry, error) {
	_, _, limit = TimeRange{Limit: limit}.bounds()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, document_id, status, status_code, content_hash,
		error_message, duration_ms, fetched_at
		FROM fetch_log WHERE document_id = ?
		ORDER BY fetched_at DESC LIMIT ?`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*FetchLogEntry
	for rows.Next() {
		var e FetchLogEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Status, &e.StatusCode,
			&e.ContentHash, &e.ErrorMessage, &e.DurationMs, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan fetch log: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
