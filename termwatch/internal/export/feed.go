// Package export publishes finalized changes to a JSON feed file consumed
// by an external distribution channel. Writes are atomic (write .tmp then
// rename) so readers never see a partial file.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/termwatch/termwatch/internal/store"
)

// DefaultMaxEntries caps the feed to the most recent entries.
const DefaultMaxEntries = 200

// Metrics of an exported change.
type Metrics struct {
	SectionsChanged int `json:"sections_changed"`
	WordsAdded      int `json:"words_added"`
	WordsRemoved    int `json:"words_removed"`
}

// Entry is one feed record.
type Entry struct {
	ChangeID   string  `json:"change_id"`
	Service    string  `json:"service"`
	ChangeType string  `json:"change_type"`
	Severity   string  `json:"severity"`
	Title      string  `json:"title"`
	Summary    string  `json:"summary"`
	Metrics    Metrics `json:"metrics"`
	DetectedAt string  `json:"detected_at"` // RFC 3339, UTC
}

// Feed appends entries to a JSON array file.
type Feed struct {
	path string
	max  int
	mu   sync.Mutex
}

// NewFeed returns a Feed writing to path. An empty path returns nil, and a
// nil Feed ignores every Append.
func NewFeed(path string, maxEntries int) *Feed {
	if path == "" {
		return nil
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Feed{path: path, max: maxEntries}
}

// EntryFor builds the feed record of a change.
func EntryFor(doc *store.Document, c *store.Change) Entry {
	e := Entry{
		ChangeID:   c.ID,
		ChangeType: c.ChangeType,
		Severity:   c.Severity,
		Title:      c.Title,
		Summary:    c.Summary,
		DetectedAt: time.UnixMilli(c.DetectedAt).UTC().Format(time.RFC3339),
	}
	e.Metrics = Metrics{
		SectionsChanged: c.SectionsChanged,
		WordsAdded:      c.WordsAdded,
		WordsRemoved:    c.WordsRemoved,
	}
	if doc != nil {
		e.Service = doc.Service
	}
	return e
}

// Append adds e to the feed, newest last. An entry for a change already in
// the feed replaces it in place.
func (f *Feed) Append(ctx context.Context, e Entry) error {
	if f == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if entries[i].ChangeID == e.ChangeID {
			entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, e)
	}
	if len(entries) > f.max {
		entries = entries[len(entries)-f.max:]
	}
	return f.write(entries)
}

// Entries returns the current feed content.
func (f *Feed) Entries() ([]Entry, error) {
	if f == nil {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *Feed) read() ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("export: read %s: %w", f.path, err)
	}
	var entries []Entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("export: decode %s: %w", f.path, err)
		}
	}
	return entries, nil
}

func (f *Feed) write(entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("export: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("export: marshal: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("export: write tmp: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("export: rename: %w", err)
	}
	return nil
}
