package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"usageledger/internal/database"
	"usageledger/internal/models"
)

// IngestionStore persists the one-row-per-run ingestion records. Only the
// Runner drives the lifecycle: a row is created in_progress and moved to
// exactly one terminal status.
type IngestionStore struct {
	db *database.DB
}

// NewIngestionStore creates an ingestion store over the given database
func NewIngestionStore(db *database.DB) *IngestionStore {
	return &IngestionStore{db: db}
}

// Create inserts a new in_progress run record
func (s *IngestionStore) Create(ctx context.Context, ing *models.Ingestion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestions (id, source, ingested_at, status)
		VALUES (?, ?, ?, ?)`,
		ing.ID, ing.Source, database.Millis(ing.IngestedAt), string(models.IngestionInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to create ingestion record: %w", err)
	}
	return nil
}

// Finish moves a run to its terminal status. The in_progress guard makes
// the terminal transition happen at most once.
func (s *IngestionStore) Finish(ctx context.Context, id string, status models.IngestionStatus, contentHash, rawBlobID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestions
		SET status = ?, content_hash = ?, raw_blob_id = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(status), nullable(contentHash), nullable(rawBlobID), nullable(errMsg),
		id, string(models.IngestionInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to finish ingestion %s: %w", id, err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("ingestion %s already finished", id)
	}
	return nil
}

// Get loads one run record, or (nil, nil) when absent
func (s *IngestionStore) Get(ctx context.Context, id string) (*models.Ingestion, error) {
	row := s.db.QueryRowContext(ctx, selectIngestion+` WHERE id = ?`, id)
	ing, err := scanIngestion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ing, err
}

// ListRecent returns up to limit runs, newest first
func (s *IngestionStore) ListRecent(ctx context.Context, limit int) ([]models.Ingestion, error) {
	rows, err := s.db.QueryContext(ctx, selectIngestion+` ORDER BY ingested_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestions: %w", err)
	}
	defer rows.Close()

	var ingestions []models.Ingestion
	for rows.Next() {
		ing, err := scanIngestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		ingestions = append(ingestions, *ing)
	}
	return ingestions, rows.Err()
}

const selectIngestion = `
	SELECT id, source, ingested_at, content_hash, status, raw_blob_id, error
	FROM ingestions`

func scanIngestion(scan func(dest ...any) error) (*models.Ingestion, error) {
	var (
		ing                      models.Ingestion
		ingestedAt               int64
		contentHash, blobID, msg sql.NullString
		status                   string
	)
	err := scan(&ing.ID, &ing.Source, &ingestedAt, &contentHash, &status, &blobID, &msg)
	if err != nil {
		return nil, err
	}

	ing.IngestedAt = database.FromMillis(ingestedAt)
	ing.ContentHash = contentHash.String
	ing.Status = models.IngestionStatus(status)
	ing.RawBlobID = blobID.String
	ing.Error = msg.String
	return &ing, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
