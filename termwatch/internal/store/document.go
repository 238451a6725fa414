package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const documentColumns = `id, service, url, kind, active, last_checked_at, last_hash, created_at, updated_at`

// UpsertDocument registers a document by URL. An existing row keeps its ID,
// check history, hash and active flag; service and kind are refreshed.
// doc.ID is set to the stored ID on return.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document) error {
	now := time.Now().UnixMilli()
	if doc.ID == "" {
		doc.ID = s.id("doc_")
	}
	if doc.Kind == "" {
		doc.Kind = KindOther
	}
	if doc.CreatedAt == 0 {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO documents (id, service, url, kind, active, last_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			service = excluded.service,
			kind = excluded.kind,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Service, doc.URL, doc.Kind, boolToInt(doc.Active), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return s.DB.QueryRowContext(ctx, `SELECT id FROM documents WHERE url = ?`, doc.URL).Scan(&doc.ID)
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// ListDocuments returns every document, active or not.
func (s *Store) ListDocuments(ctx context.Context) ([]*Document, error) {
	return s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY service, url`)
}

// ListActiveDocuments returns the documents a scan must visit.
func (s *Store) ListActiveDocuments(ctx context.Context) ([]*Document, error) {
	return s.queryDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE active = 1 ORDER BY service, url`)
}

// SetActive toggles whether a document is scanned. Documents are never
// deleted while history references them.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set active %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func scanDocument(row *sql.Row) (*Document, error) {
	var d Document
	var active int
	err := row.Scan(&d.ID, &d.Service, &d.URL, &d.Kind, &active,
		&d.LastCheckedAt, &d.LastHash, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	d.Active = active != 0
	return &d, nil
}

func scanDocumentRows(rows *sql.Rows) (*Document, error) {
	var d Document
	var active int
	err := rows.Scan(&d.ID, &d.Service, &d.URL, &d.Kind, &active,
		&d.LastCheckedAt, &d.LastHash, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan document row: %w", err)
	}
	d.Active = active != 0
	return &d, nil
}
