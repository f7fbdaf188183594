package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"usageledger/internal/blobstore"
	"usageledger/internal/database"
	"usageledger/internal/eventstore"
	"usageledger/internal/models"
)

const exportFixture = `[
	{"model": "opus", "billing_period": "February 2025",
	 "input_tokens": 1200, "output_tokens": 340, "total_tokens": 1540, "cost": 12.34},
	{"model": "sonnet", "billing_period": "February 2025",
	 "input_tokens": 2500, "output_tokens": 900, "total_tokens": 3400, "cost": 4.05}
]`

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, targetURL string) (*FetchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &FetchResult{Body: f.body, ContentType: "application/json"}, nil
}

type testPipeline struct {
	runner     *Runner
	fetcher    *fakeFetcher
	blobs      *blobstore.Store
	events     *eventstore.Store
	ingestions *IngestionStore
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	p := &testPipeline{
		fetcher:    &fakeFetcher{body: []byte(exportFixture)},
		blobs:      blobstore.NewStore(db),
		events:     eventstore.NewStore(db),
		ingestions: NewIngestionStore(db),
	}
	p.runner, err = NewRunner(p.fetcher, p.blobs, p.events, p.ingestions, "https://example.com/export", 10)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	return p
}

// TestNewRunnerRequiresURL verifies the export URL is validated at wiring
// time, not per run
func TestNewRunnerRequiresURL(t *testing.T) {
	_, err := NewRunner(&fakeFetcher{}, nil, nil, nil, "", 10)
	if err == nil {
		t.Fatal("Expected error for empty export URL")
	}
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Category != CategoryValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

// TestRunOnceBaseline verifies a first run stores the blob, persists every
// normalized event and completes its run record
func TestRunOnceBaseline(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	summary, err := p.runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !summary.SavedBlob {
		t.Error("First run should save a new blob")
	}
	if summary.NewEventCount != 2 {
		t.Errorf("Expected 2 new events, got %d", summary.NewEventCount)
	}

	ing, err := p.ingestions.Get(ctx, summary.IngestionID)
	if err != nil {
		t.Fatalf("Get ingestion failed: %v", err)
	}
	if ing == nil {
		t.Fatal("Ingestion record missing")
	}
	if ing.Status != models.IngestionCompleted {
		t.Errorf("Expected completed status, got %s", ing.Status)
	}
	if ing.ContentHash != blobstore.ContentHash([]byte(exportFixture)) {
		t.Errorf("Ingestion content hash mismatch: %s", ing.ContentHash)
	}
	if ing.RawBlobID == "" {
		t.Error("Ingestion should reference the stored blob")
	}
	if ing.Error != "" {
		t.Errorf("Completed run should carry no error, got %q", ing.Error)
	}

	events, err := p.events.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 persisted events, got %d", len(events))
	}
}

// TestRunOnceDuplicatePayload verifies re-ingesting unchanged content
// stores no second blob and creates no duplicate event rows
func TestRunOnceDuplicatePayload(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	base := time.Date(2025, 2, 5, 9, 0, 0, 0, time.UTC)

	p.runner.now = func() time.Time { return base }
	first, err := p.runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// Same bytes fetched again later the same day
	p.runner.now = func() time.Time { return base.Add(6 * time.Hour) }
	second, err := p.runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if second.SavedBlob {
		t.Error("Unchanged content should not store a second blob")
	}

	count, err := p.blobs.Count(ctx, models.BlobKindStructured)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 stored blob, got %d", count)
	}

	events, err := p.events.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Re-run created duplicate rows: got %d", len(events))
	}

	// Both runs are in the provenance trail of the re-observed rows
	ids, err := p.events.Ingestions(ctx, events[0].RowHash)
	if err != nil {
		t.Fatalf("Ingestions failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected links to both runs, got %v", ids)
	}

	e, err := p.events.GetByRowHash(ctx, events[0].RowHash)
	if err != nil {
		t.Fatalf("GetByRowHash failed: %v", err)
	}
	if !e.FirstSeenAt.Equal(base) {
		t.Errorf("first_seen_at moved on re-run: %v", e.FirstSeenAt)
	}
	if !e.LastSeenAt.After(base) {
		t.Errorf("last_seen_at should advance on re-run: %v", e.LastSeenAt)
	}

	if first.IngestionID == second.IngestionID {
		t.Error("Each run should have its own ingestion record")
	}
}

// TestRunOnceDeltaSkipsOldCaptures verifies events at or before the
// watermark are not re-persisted in later runs
func TestRunOnceDeltaSkipsOldCaptures(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	base := time.Date(2025, 2, 5, 9, 0, 0, 0, time.UTC)

	p.runner.now = func() time.Time { return base }
	if _, err := p.runner.RunOnce(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// A clock standing still means every normalized capture equals the
	// watermark, so the delta is empty
	summary, err := p.runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if summary.NewEventCount != 0 {
		t.Errorf("Expected empty delta at the watermark, got %d", summary.NewEventCount)
	}
}

// TestRunOnceAuthExpired verifies a credential failure records a failed
// run and persists nothing
func TestRunOnceAuthExpired(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.fetcher.err = NewError(CategoryAuthExpired, nil, "no session stored, login required")

	_, err := p.runner.RunOnce(ctx)
	if err == nil {
		t.Fatal("Expected error from expired credentials")
	}
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Category != CategoryAuthExpired {
		t.Errorf("Expected auth-expired category, got %v", err)
	}

	runs, err := p.ingestions.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected one run record, got %d", len(runs))
	}
	if runs[0].Status != models.IngestionFailed {
		t.Errorf("Expected failed status, got %s", runs[0].Status)
	}
	if runs[0].Error == "" {
		t.Error("Failed run should record the error message")
	}

	events, err := p.events.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("No events should persist on a failed fetch, got %d", len(events))
	}
}

// TestRunOnceMalformedPayload verifies a non-row-shaped export fails the
// run without storing a blob
func TestRunOnceMalformedPayload(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.fetcher.body = []byte(`"not an export"`)

	_, err := p.runner.RunOnce(ctx)
	if err == nil {
		t.Fatal("Expected error for malformed payload")
	}
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Category != CategoryUnexpected {
		t.Errorf("Expected unexpected category, got %v", err)
	}

	runs, err := p.ingestions.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != models.IngestionFailed {
		t.Fatalf("Expected one failed run record, got %+v", runs)
	}
	// The content hash is still recorded for debugging the bad payload
	if runs[0].ContentHash == "" {
		t.Error("Failed run should still record the content hash")
	}

	count, err := p.blobs.Count(ctx, models.BlobKindStructured)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Unrecognized payload should not be stored, got %d blobs", count)
	}
}
