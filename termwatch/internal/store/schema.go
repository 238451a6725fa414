package store

import "database/sql"

// Schema is the complete termwatch schema.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id              TEXT PRIMARY KEY,
    service         TEXT NOT NULL,
    url             TEXT NOT NULL UNIQUE,
    kind            TEXT NOT NULL DEFAULT 'other',
    active          INTEGER NOT NULL DEFAULT 1,
    last_checked_at INTEGER,
    last_hash       TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_active ON documents(active, service);

-- Snapshots are immutable; one per successful fetch.
CREATE TABLE IF NOT EXISTS snapshots (
    id           TEXT PRIMARY KEY,
    document_id  TEXT NOT NULL REFERENCES documents(id) ON DELETE RESTRICT,
    content      TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    fetched_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_doc_time ON snapshots(document_id, fetched_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS changes (
    id               TEXT PRIMARY KEY,
    document_id      TEXT NOT NULL REFERENCES documents(id) ON DELETE RESTRICT,
    old_snapshot_id  TEXT NOT NULL REFERENCES snapshots(id),
    new_snapshot_id  TEXT NOT NULL REFERENCES snapshots(id),
    change_type      TEXT NOT NULL,
    severity         TEXT NOT NULL,
    title            TEXT NOT NULL DEFAULT '',
    diff_json        TEXT NOT NULL DEFAULT '[]',
    sections_changed INTEGER NOT NULL DEFAULT 0,
    words_added      INTEGER NOT NULL DEFAULT 0,
    words_removed    INTEGER NOT NULL DEFAULT 0,
    summary          TEXT NOT NULL DEFAULT '',
    summary_status   TEXT NOT NULL DEFAULT 'pending',
    summary_attempts INTEGER NOT NULL DEFAULT 0,
    detected_at      INTEGER NOT NULL,
    UNIQUE (old_snapshot_id, new_snapshot_id)
);
CREATE INDEX IF NOT EXISTS idx_changes_doc_time ON changes(document_id, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_changes_summary ON changes(summary_status, summary_attempts);

-- Append-only record of scheduler-triggered runs.
CREATE TABLE IF NOT EXISTS scan_runs (
    id                TEXT PRIMARY KEY,
    started_at        INTEGER NOT NULL,
    finished_at       INTEGER,
    documents_scanned INTEGER NOT NULL DEFAULT 0,
    changes_detected  INTEGER NOT NULL DEFAULT 0,
    errors_json       TEXT NOT NULL DEFAULT '[]',
    trigger           TEXT NOT NULL DEFAULT 'tick'
);
CREATE INDEX IF NOT EXISTS idx_scan_runs_time ON scan_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS fetch_log (
    id            TEXT PRIMARY KEY,
    document_id   TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    status        TEXT NOT NULL,
    status_code   INTEGER NOT NULL DEFAULT 0,
    content_hash  TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    fetched_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_doc ON fetch_log(document_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS digest_queue (
    subscriber_id TEXT NOT NULL,
    change_id     TEXT NOT NULL REFERENCES changes(id),
    frequency     TEXT NOT NULL,
    payload_json  TEXT NOT NULL,
    queued_at     INTEGER NOT NULL,
    delivered_at  INTEGER,
    PRIMARY KEY (subscriber_id, change_id)
);
CREATE INDEX IF NOT EXISTS idx_digest_pending ON digest_queue(frequency, delivered_at);

CREATE TABLE IF NOT EXISTS delivery_log (
    id            TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL,
    change_id     TEXT NOT NULL DEFAULT '',
    channel       TEXT NOT NULL,
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_log_sub ON delivery_log(subscriber_id, created_at DESC);
`

// ApplySchema creates all tables and indexes if they do not exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
