package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"usageledger/internal/database"
	"usageledger/internal/models"
)

// Store owns the usage_events and event_ingestions tables exclusively.
type Store struct {
	db *database.DB
}

// NewStore creates an event store over the given database
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// UpsertEvents persists a batch of canonical events for one ingestion run as
// a single transaction: either every upsert and provenance link commits, or
// none does.
//
// Per event: insert by row_hash if absent (first_seen_at = last_seen_at =
// captured_at); if present, only last_seen_at advances (monotonic max) and
// every other field, first_seen_at included, stays untouched. The
// (row_hash, ingestion_id) link is always recorded; re-adding an existing
// pair is a no-op, not an error.
func (s *Store) UpsertEvents(ctx context.Context, events []models.UsageEvent, ingestionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (
			row_hash, captured_at, model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, total_tokens,
			cost_cents, extra_cost_cents, cost_raw, extra_cost_raw,
			billing_period_start, billing_period_end,
			source, first_seen_at, last_seen_at, logic_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (row_hash) DO UPDATE SET
			last_seen_at = MAX(usage_events.last_seen_at, excluded.last_seen_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer upsert.Close()

	link, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO event_ingestions (row_hash, ingestion_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare link insert: %w", err)
	}
	defer link.Close()

	for _, e := range events {
		seenAt := database.Millis(e.CapturedAt)
		_, err := upsert.ExecContext(ctx,
			e.RowHash, database.Millis(e.CapturedAt), e.Model,
			e.InputTokens, e.OutputTokens, e.CacheReadTokens, e.CacheCreationTokens, e.TotalTokens,
			e.CostCents, e.ExtraCostCents, nullable(e.CostRaw), nullable(e.ExtraCostRaw),
			e.BillingPeriodStart.Format("2006-01-02"), e.BillingPeriodEnd.Format("2006-01-02"),
			string(e.Source), seenAt, seenAt, e.LogicVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert event %s: %w", e.RowHash, err)
		}

		if _, err := link.ExecContext(ctx, e.RowHash, ingestionID); err != nil {
			return fmt.Errorf("failed to link event %s to run %s: %w", e.RowHash, ingestionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// LatestCapturedAt returns the watermark: the newest captured_at among
// persisted events, or nil when no events exist yet.
func (s *Store) LatestCapturedAt(ctx context.Context) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(captured_at) FROM usage_events`).Scan(&ms)
	if err != nil {
		return nil, fmt.Errorf("failed to query watermark: %w", err)
	}
	if !ms.Valid {
		return nil, nil
	}
	t := database.FromMillis(ms.Int64)
	return &t, nil
}

// GetByRowHash loads a single event, or (nil, nil) when absent
func (s *Store) GetByRowHash(ctx context.Context, rowHash string) (*models.UsageEvent, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` WHERE row_hash = ?`, rowHash)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListRecent returns up to limit events, newest capture first
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectEvent+` ORDER BY captured_at DESC, row_hash LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Ingestions returns the ids of every run that observed an event (audit
// trail from event back to runs)
func (s *Store) Ingestions(ctx context.Context, rowHash string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ingestion_id FROM event_ingestions WHERE row_hash = ? ORDER BY ingestion_id`, rowHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list event ingestions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const selectEvent = `
	SELECT row_hash, captured_at, model,
		input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, total_tokens,
		cost_cents, extra_cost_cents, cost_raw, extra_cost_raw,
		billing_period_start, billing_period_end,
		source, first_seen_at, last_seen_at, logic_version
	FROM usage_events`

func scanEvent(scan func(dest ...any) error) (*models.UsageEvent, error) {
	var (
		e                        models.UsageEvent
		capturedAt, first, last  int64
		costRaw, extraRaw        sql.NullString
		periodStart, periodEnd   string
		source                   string
	)
	err := scan(
		&e.RowHash, &capturedAt, &e.Model,
		&e.InputTokens, &e.OutputTokens, &e.CacheReadTokens, &e.CacheCreationTokens, &e.TotalTokens,
		&e.CostCents, &e.ExtraCostCents, &costRaw, &extraRaw,
		&periodStart, &periodEnd,
		&source, &first, &last, &e.LogicVersion,
	)
	if err != nil {
		return nil, err
	}

	e.CapturedAt = database.FromMillis(capturedAt)
	e.FirstSeenAt = database.FromMillis(first)
	e.LastSeenAt = database.FromMillis(last)
	e.CostRaw = costRaw.String
	e.ExtraCostRaw = extraRaw.String
	e.Source = models.BlobKind(source)

	if t, err := time.ParseInLocation("2006-01-02", periodStart, time.UTC); err == nil {
		e.BillingPeriodStart = t
	}
	if t, err := time.ParseInLocation("2006-01-02", periodEnd, time.UTC); err == nil {
		e.BillingPeriodEnd = t
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
