package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"usageledger/internal/ingest"
)

// IngestionJob triggers one pipeline run at a fixed interval. It is the
// in-process stand-in for an external scheduler: it only calls RunOnce and
// reports the outcome, leaving all pipeline semantics to the Runner. The
// interval gives runs natural single-concurrency; an AuthExpired failure is
// logged loudly because it needs a human re-login, not a retry.
type IngestionJob struct {
	runner   *ingest.Runner
	interval time.Duration
}

// NewIngestionJob creates the periodic ingestion trigger
func NewIngestionJob(runner *ingest.Runner, interval time.Duration) *IngestionJob {
	return &IngestionJob{runner: runner, interval: interval}
}

// Run executes one ingestion pipeline run
func (j *IngestionJob) Run(ctx context.Context) error {
	summary, err := j.runner.RunOnce(ctx)
	if err != nil {
		var perr *ingest.PipelineError
		if errors.As(err, &perr) && perr.Category == ingest.CategoryAuthExpired {
			log.Printf("🔑 [INGEST] Session expired, re-login required before the next run: %v", perr)
			return nil // retrying without a new credential is pointless
		}
		return err
	}

	log.Printf("✅ [INGEST] Run %s: saved_blob=%v new_events=%d",
		summary.IngestionID, summary.SavedBlob, summary.NewEventCount)
	return nil
}

// GetNextRunTime returns when the job should run next
func (j *IngestionJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
