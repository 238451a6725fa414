package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/termwatch/dbopen"
)

// EnqueueDigest queues a change for a subscriber's next digest. Queuing the
// same change twice for a subscriber is a no-op.
func (s *Store) EnqueueDigest(ctx context.Context, e *DigestEntry) error {
	if e.QueuedAt == 0 {
		e.QueuedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO digest_queue (subscriber_id, change_id, frequency, payload_json, queued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subscriber_id, change_id) DO NOTHING`,
		e.SubscriberID, e.ChangeID, e.Frequency, e.PayloadJSON, e.QueuedAt)
	return err
}

// PendingDigest returns undelivered entries for a frequency grouped by
// subscriber, each group ordered oldest first.
func (s *Store) PendingDigest(ctx context.Context, frequency string) (map[string][]*DigestEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT subscriber_id, change_id, frequency, payload_json, queued_at, delivered_at
		FROM digest_queue
		WHERE frequency = ? AND delivered_at IS NULL
		ORDER BY subscriber_id, queued_at ASC`, frequency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]*DigestEntry)
	for rows.Next() {
		var e DigestEntry
		if err := rows.Scan(&e.SubscriberID, &e.ChangeID, &e.Frequency, &e.PayloadJSON,
			&e.QueuedAt, &e.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan digest entry: %w", err)
		}
		out[e.SubscriberID] = append(out[e.SubscriberID], &e)
	}
	return out, rows.Err()
}

// MarkDigestDelivered stamps the given entries of one subscriber as delivered.
func (s *Store) MarkDigestDelivered(ctx context.Context, subscriberID string, changeIDs []string) error {
	if len(changeIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(changeIDs)), ",")
	args := make([]any, 0, len(changeIDs)+2)
	args = append(args, now, subscriberID)
	for _, id := range changeIDs {
		args = append(args, id)
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE digest_queue SET delivered_at = ?
			WHERE subscriber_id = ? AND delivered_at IS NULL AND change_id IN (`+placeholders+`)`,
			args...)
		return err
	})
}

// InsertDeliveryLog records one notification attempt.
func (s *Store) InsertDeliveryLog(ctx context.Context, e *DeliveryLogEntry) error {
	if e.ID == "" {
		e.ID = s.id("dl_")
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO delivery_log (id, subscriber_id, change_id, channel, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubscriberID, e.ChangeID, e.Channel, e.Status, e.ErrorMessage, e.CreatedAt)
	return err
}

// ListDeliveryLog returns a subscriber's delivery attempts, newest first.
func (s *Store) ListDeliveryLog(ctx context.Context, subscriberID string, limit int) ([]*DeliveryLogEntry, error) {
	_, _, limit = TimeRange{Limit: limit}.bounds()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, subscriber_id, change_id, channel, status, error_message, created_at
		FROM delivery_log WHERE subscriber_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, subscriberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryLogEntry
	for rows.Next() {
		var e DeliveryLogEntry
		if err := rows.Scan(&e.ID, &e.SubscriberID, &e.ChangeID, &e.Channel, &e.Status,
			&e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
