package store

import (
	"context"
	"database/sql"
	"fmt"
)

const snapshotColumns = `id, document_id, content, content_hash, fetched_at`

// LatestSnapshot returns the most recent snapshot of a document, or nil when
// the document has never been fetched successfully.
func (s *Store) LatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE document_id = ?
		ORDER BY fetched_at DESC, id DESC LIMIT 1`, documentID)
	return scanSnapshot(row)
}

// GetSnapshot retrieves a snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

// ListSnapshots returns a document's snapshots with since <= fetched_at < until,
// newest first. Zero bounds are open.
func (s *Store) ListSnapshots(ctx context.Context, documentID string, r TimeRange) ([]*Snapshot, error) {
	since, until, limit := r.bounds()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE document_id = ? AND fetched_at >= ? AND fetched_at < ?
		ORDER BY fetched_at DESC, id DESC LIMIT ?`, documentID, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.DocumentID, &sn.Content, &sn.ContentHash, &sn.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snaps = append(snaps, &sn)
	}
	return snaps, rows.Err()
}

// CountSnapshots returns how many snapshots a document has.
func (s *Store) CountSnapshots(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE document_id = ?`, documentID).Scan(&n)
	return n, err
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var sn Snapshot
	err := row.Scan(&sn.ID, &sn.DocumentID, &sn.Content, &sn.ContentHash, &sn.FetchedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return &sn, nil
}
