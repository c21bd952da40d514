package dvr

import (
	"context"
	"os"
	"time"

	"streamrelay/pkg/types"
)

// sweepLoop expires finished recordings past the retention window.
func (r *Recorder) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce removes the media of recordings whose retention has lapsed.
// A recording with subscribers still streaming it is skipped and picked up
// by a later sweep.
func (r *Recorder) sweepOnce() {
	cutoff := time.Now().Add(-r.cfg.RecordingRetention)

	// Only completed recordings expire. Failed ones keep their error visible
	// until the caller deletes them.
	recs, err := r.store.ListByStatus(types.RecordingStatusCompleted)
	if err != nil {
		r.log.Warn("retention sweep failed to list recordings", "error", err)
		return
	}

	for _, rec := range recs {
		if rec.EndedAt.IsZero() || rec.EndedAt.After(cutoff) {
			continue
		}
		if n := r.subscribers(rec.ID); n > 0 {
			r.log.Debug("retention deferred, recording in use", "id", rec.ID, "subscribers", n)
			continue
		}

		if rec.FilePath != "" {
			if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
				r.log.Warn("failed to remove expired recording file", "id", rec.ID, "error", err)
				continue
			}
		}
		if err := r.store.UpdateStatus(rec.ID, types.RecordingStatusExpired, ""); err != nil {
			r.log.Warn("failed to mark recording expired", "id", rec.ID, "error", err)
			continue
		}
		r.log.Info("recording expired", "id", rec.ID, "name", rec.Name, "ended_at", rec.EndedAt)
	}
}
