package blobstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"usageledger/internal/database"
	"usageledger/internal/models"
)

// SaveStatus reports the outcome of SaveIfNew
type SaveStatus string

const (
	StatusSaved     SaveStatus = "saved"
	StatusDuplicate SaveStatus = "duplicate"
)

// SaveResult is returned by SaveIfNew
type SaveResult struct {
	Status SaveStatus `json:"status"`
	BlobID string     `json:"blob_id"`
}

// Store is the content-addressed raw blob store. It owns the raw_blobs
// table exclusively.
type Store struct {
	db *database.DB
}

// NewStore creates a blob store over the given database
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// SaveIfNew stores a payload unless an identical one already exists.
// Dedup rides on the UNIQUE(content_hash) constraint, not read-then-write,
// so concurrent saves of identical bytes collapse to one stored row with the
// losers reporting duplicate. After a fresh save the store evicts blobs of
// the same kind beyond retention, newest-first survivors; eviction failure
// never fails the save.
func (s *Store) SaveIfNew(ctx context.Context, payload []byte, kind models.BlobKind, capturedAt time.Time, sourceURL, contentType string, retention int) (*SaveResult, error) {
	hash := ContentHash(payload)
	id := uuid.New().String()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_blobs (id, captured_at, kind, source_url, payload, content_hash, content_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING`,
		id, database.Millis(capturedAt), string(kind), sourceURL, payload, hash, contentType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert raw blob: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check insert result: %w", err)
	}

	if affected == 0 {
		var existingID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM raw_blobs WHERE content_hash = ?`, hash,
		).Scan(&existingID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up duplicate blob: %w", err)
		}
		return &SaveResult{Status: StatusDuplicate, BlobID: existingID}, nil
	}

	if retention > 0 {
		if err := s.evict(ctx, kind, retention); err != nil {
			log.Printf("⚠️ [BLOBS] Retention eviction failed (save kept): %v", err)
		}
	}

	return &SaveResult{Status: StatusSaved, BlobID: id}, nil
}

// Get returns a stored blob by id
func (s *Store) Get(ctx context.Context, id string) (*models.RawBlob, error) {
	var (
		blob       models.RawBlob
		capturedAt int64
		sourceURL  sql.NullString
		ctype      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, captured_at, kind, source_url, payload, content_hash, content_type
		FROM raw_blobs WHERE id = ?`, id,
	).Scan(&blob.ID, &capturedAt, &blob.Kind, &sourceURL, &blob.Payload, &blob.ContentHash, &ctype)
	if err != nil {
		return nil, fmt.Errorf("failed to load blob %s: %w", id, err)
	}

	blob.CapturedAt = database.FromMillis(capturedAt)
	blob.SourceURL = sourceURL.String
	blob.ContentType = ctype.String
	return &blob, nil
}

// Count returns how many blobs of a kind are stored
func (s *Store) Count(ctx context.Context, kind models.BlobKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_blobs WHERE kind = ?`, string(kind),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count blobs: %w", err)
	}
	return n, nil
}

// evict deletes the oldest blobs of a kind beyond the retention count
func (s *Store) evict(ctx context.Context, kind models.BlobKind, retention int) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM raw_blobs
		WHERE kind = ?
		  AND id NOT IN (
			SELECT id FROM raw_blobs
			WHERE kind = ?
			ORDER BY captured_at DESC, id DESC
			LIMIT ?
		  )`,
		string(kind), string(kind), retention,
	)
	if err != nil {
		return err
	}

	if deleted, _ := res.RowsAffected(); deleted > 0 {
		log.Printf("🗑️ [BLOBS] Evicted %d %s blob(s) beyond retention %d", deleted, kind, retention)
	}
	return nil
}

// ContentHash computes the hex-encoded SHA-256 of the exact payload bytes.
// It is both the dedup key and the audit pointer into raw storage.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
