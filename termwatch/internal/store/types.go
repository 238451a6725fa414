package store

// Document kinds.
const (
	KindTerms   = "terms-of-service"
	KindPrivacy = "privacy-policy"
	KindOther   = "other"
)

// Summary states of a change.
const (
	SummaryPending = "pending"
	SummaryDone    = "done"
	SummaryFailed  = "failed" // attempt failed, eligible for the retry pass
	SummaryDead    = "dead"   // retry budget exhausted
	SummaryOff     = "disabled"
)

// Document is a monitored legal document.
type Document struct {
	ID            string `json:"id"`
	Service       string `json:"service"`
	URL           string `json:"url"`
	Kind          string `json:"kind"`
	Active        bool   `json:"active"`
	LastCheckedAt *int64 `json:"last_checked_at,omitempty"`
	LastHash      string `json:"last_hash"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Snapshot is the normalized content of a document at one fetch.
type Snapshot struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	FetchedAt   int64  `json:"fetched_at"`
}

// Change is a detected change between two consecutive snapshots.
type Change struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	OldSnapshotID   string `json:"old_snapshot_id"`
	NewSnapshotID   string `json:"new_snapshot_id"`
	ChangeType      string `json:"change_type"`
	Severity        string `json:"severity"`
	Title           string `json:"title"`
	DiffJSON        string `json:"diff_json"`
	SectionsChanged int    `json:"sections_changed"`
	WordsAdded      int    `json:"words_added"`
	WordsRemoved    int    `json:"words_removed"`
	Summary         string `json:"summary"`
	SummaryStatus   string `json:"summary_status"`
	SummaryAttempts int    `json:"summary_attempts"`
	DetectedAt      int64  `json:"detected_at"`
}

// ScanRun is one orchestration run.
type ScanRun struct {
	ID               string         `json:"id"`
	StartedAt        int64          `json:"started_at"`
	FinishedAt       *int64         `json:"finished_at,omitempty"`
	DocumentsScanned int            `json:"documents_scanned"`
	ChangesDetected  int            `json:"changes_detected"`
	Errors           []ScanRunError `json:"errors"`
	Trigger          string         `json:"trigger"`
}

// ScanRunError is one per-document failure recorded in a run.
type ScanRunError struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// FetchLogEntry is one fetch attempt.
type FetchLogEntry struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	Status       string `json:"status"` // ok, unchanged, error
	StatusCode   int    `json:"status_code"`
	ContentHash  string `json:"content_hash"`
	ErrorMessage string `json:"error_message"`
	DurationMs   int64  `json:"duration_ms"`
	FetchedAt    int64  `json:"fetched_at"`
}

// DigestEntry is a change waiting for a subscriber's next digest.
type DigestEntry struct {
	SubscriberID string `json:"subscriber_id"`
	ChangeID     string `json:"change_id"`
	Frequency    string `json:"frequency"`
	PayloadJSON  string `json:"payload_json"`
	QueuedAt     int64  `json:"queued_at"`
	DeliveredAt  *int64 `json:"delivered_at,omitempty"`
}

// DeliveryLogEntry records one notification attempt.
type DeliveryLogEntry struct {
	ID           string `json:"id"`
	SubscriberID string `json:"subscriber_id"`
	ChangeID     string `json:"change_id"`
	Channel      string `json:"channel"` // realtime, digest
	Status       string `json:"status"`  // sent, failed
	ErrorMessage string `json:"error_message"`
	CreatedAt    int64  `json:"created_at"`
}
