package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new SQLite database connection at the given path.
// ":memory:" (shared cache) is supported for tests.
func New(path string) (*DB, error) {
	dsn := path
	if path == ":memory:" {
		// Shared in-memory database so every pooled connection sees the same data
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; keep the pool small and let writers queue
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✅ SQLite database connected")

	return &DB{db}, nil
}

// Initialize creates all required tables.
// Timestamps are stored as UTC unix milliseconds (INTEGER) so SQL MAX and
// range comparisons are exact; billing-period bounds are stored as
// YYYY-MM-DD TEXT. The UNIQUE constraints on content_hash and row_hash are
// what make blob dedup and event upsert race-safe: dedup is never
// read-then-write.
func (db *DB) Initialize() error {
	log.Println("🔍 Checking database schema...")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS raw_blobs (
			id             TEXT PRIMARY KEY,
			captured_at    INTEGER NOT NULL,
			kind           TEXT NOT NULL,
			source_url     TEXT,
			payload        BLOB NOT NULL,
			content_hash   TEXT NOT NULL UNIQUE,
			content_type   TEXT,
			schema_version TEXT,
			metadata       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_blobs_kind_captured
			ON raw_blobs (kind, captured_at DESC)`,

		`CREATE TABLE IF NOT EXISTS ingestions (
			id           TEXT PRIMARY KEY,
			source       TEXT NOT NULL,
			ingested_at  INTEGER NOT NULL,
			content_hash TEXT,
			status       TEXT NOT NULL,
			raw_blob_id  TEXT,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ingestions_ingested
			ON ingestions (ingested_at DESC)`,

		`CREATE TABLE IF NOT EXISTS usage_events (
			row_hash              TEXT PRIMARY KEY,
			captured_at           INTEGER NOT NULL,
			model                 TEXT NOT NULL,
			input_tokens          INTEGER NOT NULL DEFAULT 0,
			output_tokens         INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens          INTEGER NOT NULL DEFAULT 0,
			cost_cents            INTEGER NOT NULL DEFAULT 0,
			extra_cost_cents      INTEGER NOT NULL DEFAULT 0,
			cost_raw              TEXT,
			extra_cost_raw        TEXT,
			billing_period_start  TEXT NOT NULL,
			billing_period_end    TEXT NOT NULL,
			source                TEXT NOT NULL,
			first_seen_at         INTEGER NOT NULL,
			last_seen_at          INTEGER NOT NULL,
			logic_version         INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_captured
			ON usage_events (captured_at DESC)`,

		`CREATE TABLE IF NOT EXISTS event_ingestions (
			row_hash     TEXT NOT NULL,
			ingestion_id TEXT NOT NULL,
			PRIMARY KEY (row_hash, ingestion_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	log.Println("✅ Database initialized successfully")
	return nil
}
