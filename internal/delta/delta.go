// Package delta filters normalized events down to the ones not yet
// persisted, bounded by the watermark (the latest already-persisted capture
// timestamp).
package delta

import (
	"time"

	"usageledger/internal/models"
)

// Compute returns the events strictly newer than the watermark.
//
// With no prior watermark (nil) every event is returned as a fresh,
// independently-owned slice; the baseline run must not alias the caller's
// input. With a watermark, events captured at exactly the watermark are
// excluded: they are the already-seen boundary.
func Compute(events []models.UsageEvent, latestCapturedAt *time.Time) []models.UsageEvent {
	if latestCapturedAt == nil {
		out := make([]models.UsageEvent, len(events))
		copy(out, events)
		return out
	}

	out := make([]models.UsageEvent, 0, len(events))
	for _, e := range events {
		if e.CapturedAt.After(*latestCapturedAt) {
			out = append(out, e)
		}
	}
	return out
}
