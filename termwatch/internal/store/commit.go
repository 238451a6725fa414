package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/termwatch/dbopen"
)

// ErrDuplicateChange is returned when a change already exists for the same
// ordered snapshot pair.
var ErrDuplicateChange = errors.New("store: change already recorded for snapshot pair")

// ScanResult is everything one successful document scan persists.
type ScanResult struct {
	DocumentID string
	Snapshot   *Snapshot
	// Change is nil for a baseline or an unchanged fetch. Its snapshot
	// references are filled in by CommitScan.
	Change *Change
	// Previous is the snapshot the change was diffed against.
	Previous *Snapshot
}

// CommitScan persists a new snapshot, the optional change and the document's
// last_checked_at/last_hash in one transaction. IDs and timestamps left empty
// are assigned here.
func (s *Store) CommitScan(ctx context.Context, r *ScanResult) error {
	if r.Snapshot == nil {
		return fmt.Errorf("commit scan %s: nil snapshot", r.DocumentID)
	}
	now := time.Now().UnixMilli()
	sn := r.Snapshot
	if sn.ID == "" {
		sn.ID = s.id("snap_")
	}
	if sn.FetchedAt == 0 {
		sn.FetchedAt = now
	}
	sn.DocumentID = r.DocumentID

	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (id, document_id, content, content_hash, fetched_at)
			VALUES (?, ?, ?, ?, ?)`,
			sn.ID, sn.DocumentID, sn.Content, sn.ContentHash, sn.FetchedAt); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		if c := r.Change; c != nil {
			if r.Previous == nil {
				return fmt.Errorf("commit scan %s: change without previous snapshot", r.DocumentID)
			}
			if c.ID == "" {
				c.ID = s.id("chg_")
			}
			if c.DetectedAt == 0 {
				c.DetectedAt = sn.FetchedAt
			}
			if c.SummaryStatus == "" {
				c.SummaryStatus = SummaryPending
			}
			if c.DiffJSON == "" {
				c.DiffJSON = "[]"
			}
			c.DocumentID = r.DocumentID
			c.OldSnapshotID = r.Previous.ID
			c.NewSnapshotID = sn.ID

			res, err := tx.ExecContext(ctx,
				`INSERT INTO changes (id, document_id, old_snapshot_id, new_snapshot_id,
				change_type, severity, title, diff_json, sections_changed, words_added,
				words_removed, summary, summary_status, summary_attempts, detected_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
				ON CONFLICT(old_snapshot_id, new_snapshot_id) DO NOTHING`,
				c.ID, c.DocumentID, c.OldSnapshotID, c.NewSnapshotID, c.ChangeType, c.Severity,
				c.Title, c.DiffJSON, c.SectionsChanged, c.WordsAdded, c.WordsRemoved,
				c.Summary, c.SummaryStatus, c.DetectedAt)
			if err != nil {
				return fmt.Errorf("insert change: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrDuplicateChange
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET last_checked_at = ?, last_hash = ?, updated_at = ? WHERE id = ?`,
			sn.FetchedAt, sn.ContentHash, now, r.DocumentID); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return nil
	})
}
