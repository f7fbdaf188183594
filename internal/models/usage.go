package models

import "time"

// BlobKind identifies which raw export format a blob holds
type BlobKind string

const (
	BlobKindStructured BlobKind = "structured" // machine-readable JSON rows
	BlobKindScraped    BlobKind = "scraped"    // string cells lifted from a rendered table
)

// IngestionStatus is the lifecycle state of one pipeline run
type IngestionStatus string

const (
	IngestionInProgress IngestionStatus = "in_progress"
	IngestionCompleted  IngestionStatus = "completed"
	IngestionFailed     IngestionStatus = "failed"
)

// RawBlob is one immutable stored copy of a fetched payload, addressed by
// the SHA-256 of its exact bytes. Rows are only ever created or evicted.
type RawBlob struct {
	ID            string    `json:"id"`
	CapturedAt    time.Time `json:"captured_at"`
	Kind          BlobKind  `json:"kind"`
	SourceURL     string    `json:"source_url,omitempty"`
	Payload       []byte    `json:"-"` // raw bytes, not exposed over the API
	ContentHash   string    `json:"content_hash"`
	ContentType   string    `json:"content_type,omitempty"`
	SchemaVersion string    `json:"schema_version,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
}

// Ingestion is one execution record of the fetch → normalize → persist pipeline.
// The terminal status is set exactly once; a returned run never leaves a row
// in_progress.
type Ingestion struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	IngestedAt  time.Time       `json:"ingested_at"`
	ContentHash string          `json:"content_hash,omitempty"`
	Status      IngestionStatus `json:"status"`
	RawBlobID   string          `json:"raw_blob_id,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// UsageEvent is the canonical, deduplicated record of one logical unit of
// tracked usage. RowHash is its identity: repeated ingestion of the same
// logical row never creates a second row, only extends LastSeenAt.
type UsageEvent struct {
	RowHash    string    `json:"row_hash"`
	CapturedAt time.Time `json:"captured_at"`
	Model      string    `json:"model"`

	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	TotalTokens         int64 `json:"total_tokens"`

	CostCents      int64  `json:"cost_cents"`
	ExtraCostCents int64  `json:"extra_cost_cents"`
	CostRaw        string `json:"cost_raw,omitempty"`       // original text, kept only when cents parsing failed
	ExtraCostRaw   string `json:"extra_cost_raw,omitempty"` // same, for the extra-usage column

	BillingPeriodStart time.Time `json:"billing_period_start"` // first day of the UTC calendar month
	BillingPeriodEnd   time.Time `json:"billing_period_end"`   // last day of the UTC calendar month

	Source       BlobKind  `json:"source"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	LogicVersion int       `json:"logic_version"`
}

// EventIngestion links an event to one run that observed it (audit trail).
type EventIngestion struct {
	RowHash     string `json:"row_hash"`
	IngestionID string `json:"ingestion_id"`
}

// RunSummary is returned by Runner.RunOnce to the trigger.
type RunSummary struct {
	SavedBlob     bool   `json:"saved_blob"`
	NewEventCount int    `json:"new_event_count"`
	IngestionID   string `json:"ingestion_id"`
}
