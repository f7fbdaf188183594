package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"usageledger/internal/blobstore"
	"usageledger/internal/delta"
	"usageledger/internal/eventstore"
	"usageledger/internal/logging"
	"usageledger/internal/models"
	"usageledger/internal/normalize"
)

// State names one step of the pipeline. Transitions are linear:
// Idle → Fetching → Deduping → Normalizing → ComputingDelta → Persisting →
// Done | Failed. There is no branching re-entry.
type State string

const (
	StateIdle           State = "idle"
	StateFetching       State = "fetching"
	StateDeduping       State = "deduping"
	StateNormalizing    State = "normalizing"
	StateComputingDelta State = "computing_delta"
	StatePersisting     State = "persisting"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// FetchResult is a complete fetched export
type FetchResult struct {
	Body        []byte
	ContentType string
}

// Fetcher is the authenticated-fetch capability. The mechanism behind it
// (a browser-session-driven login flow) is an external collaborator; the
// Runner only requires this contract and the classified errors it returns.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (*FetchResult, error)
}

// Runner composes one pipeline run: fetch → dedup-store → normalize →
// delta → persist. It performs no internal fan-out; overlap prevention
// across runs belongs to the external trigger, but blob dedup and event
// upsert stay race-safe if runs do overlap.
type Runner struct {
	fetcher    Fetcher
	blobs      *blobstore.Store
	events     *eventstore.Store
	ingestions *IngestionStore

	exportURL string
	source    string
	retention int
	now       func() time.Time
}

// NewRunner wires a pipeline runner. exportURL must be configured;
// that is validated at startup, not per run.
func NewRunner(fetcher Fetcher, blobs *blobstore.Store, events *eventstore.Store, ingestions *IngestionStore, exportURL string, retention int) (*Runner, error) {
	if exportURL == "" {
		return nil, NewError(CategoryValidation, nil, "USAGE_EXPORT_URL is required")
	}
	return &Runner{
		fetcher:    fetcher,
		blobs:      blobs,
		events:     events,
		ingestions: ingestions,
		exportURL:  exportURL,
		source:     "usage-export",
		retention:  retention,
		now:        time.Now,
	}, nil
}

// RunOnce executes one full pipeline run and returns its summary.
//
// The ingestion row is created in_progress before any other work and moved
// to exactly one terminal status before RunOnce returns: completed only
// after the event transaction commits, failed with the classified error
// otherwise. A returned error is always a *PipelineError.
func (r *Runner) RunOnce(ctx context.Context) (*models.RunSummary, error) {
	ing := &models.Ingestion{
		ID:         uuid.New().String(),
		Source:     r.source,
		IngestedAt: r.now().UTC(),
	}
	if err := r.ingestions.Create(ctx, ing); err != nil {
		return nil, Classify(err, CategoryInfrastructure)
	}

	logger := logging.WithIngestion(ing.ID, ing.Source)

	summary, contentHash, blobID, err := r.run(ctx, ing, logger)
	if err != nil {
		perr := Classify(err, CategoryUnexpected)
		logger.Error("run failed", "state", StateFailed, "category", perr.Category.String(), "error", perr.Error())
		if finishErr := r.ingestions.Finish(ctx, ing.ID, models.IngestionFailed, contentHash, blobID, perr.Error()); finishErr != nil {
			logger.Error("failed to record terminal status", "error", finishErr)
		}
		return nil, perr
	}

	if err := r.ingestions.Finish(ctx, ing.ID, models.IngestionCompleted, contentHash, blobID, ""); err != nil {
		return nil, Classify(err, CategoryInfrastructure)
	}

	logger.Info("run complete", "state", StateDone,
		"saved_blob", summary.SavedBlob, "new_events", summary.NewEventCount)
	return summary, nil
}

// run walks the state machine. It returns the run summary plus the content
// hash and blob id for the ingestion record; on error those may be
// partially filled and the caller records them with the failure.
func (r *Runner) run(ctx context.Context, ing *models.Ingestion, logger *slog.Logger) (*models.RunSummary, string, string, error) {
	// Fetching
	logger.Info("fetching export", "state", StateFetching, "url", r.exportURL)
	res, err := r.fetcher.Fetch(ctx, r.exportURL)
	if err != nil {
		return nil, "", "", err
	}

	capturedAt := r.now().UTC()
	contentHash := blobstore.ContentHash(res.Body)

	// Deduping. The raw bytes are stored content-addressed first; a
	// duplicate blob (content unchanged since the last run) still proceeds
	// through the rest of the pipeline; event row hashes alone decide what
	// is new.
	logger.Info("storing raw blob", "state", StateDeduping, "content_hash", contentHash)
	kind, err := normalize.DetectKind(res.Body)
	if err != nil {
		return nil, contentHash, "", NewError(CategoryUnexpected, err, "export payload has unknown shape")
	}

	save, err := r.blobs.SaveIfNew(ctx, res.Body, kind, capturedAt, r.exportURL, res.ContentType, r.retention)
	if err != nil {
		return nil, contentHash, "", Classify(err, CategoryInfrastructure)
	}

	// Normalizing
	logger.Info("normalizing", "state", StateNormalizing, "kind", string(kind), "blob_id", save.BlobID)
	events, _, err := normalize.Normalize(res.Body, capturedAt, save.BlobID)
	if err != nil {
		return nil, contentHash, save.BlobID, NewError(CategoryUnexpected, err, "normalization failed")
	}

	// ComputingDelta
	watermark, err := r.events.LatestCapturedAt(ctx)
	if err != nil {
		return nil, contentHash, save.BlobID, Classify(err, CategoryInfrastructure)
	}
	fresh := delta.Compute(events, watermark)
	logger.Info("computed delta", "state", StateComputingDelta,
		"normalized", len(events), "fresh", len(fresh))

	// Persisting
	logger.Info("persisting events", "state", StatePersisting, "count", len(fresh))
	if err := r.events.UpsertEvents(ctx, fresh, ing.ID); err != nil {
		return nil, contentHash, save.BlobID, Classify(err, CategoryInfrastructure)
	}

	return &models.RunSummary{
		SavedBlob:     save.Status == blobstore.StatusSaved,
		NewEventCount: len(fresh),
		IngestionID:   ing.ID,
	}, contentHash, save.BlobID, nil
}
