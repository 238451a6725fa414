// Package store is the termwatch persistence layer: monitored documents,
// their snapshot history, detected changes, scan runs, the digest queue and
// the delivery log, all in one SQLite database.
//
// Timestamps are unix milliseconds. Getters return (nil, nil) when the row
// does not exist.
package store

import (
	"database/sql"

	"github.com/hazyhaar/termwatch/idgen"
)

// Store wraps the termwatch database.
type Store struct {
	DB    *sql.DB
	NewID idgen.Generator
}

// New creates a Store from an already-opened database connection.
// The schema must already be applied (see ApplySchema).
func New(db *sql.DB) *Store {
	return &Store{DB: db, NewID: idgen.Default}
}

func (s *Store) id(prefix string) string {
	return prefix + s.NewID()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
