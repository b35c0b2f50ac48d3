package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/logging"
	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/store"
)

// ResumeReport summarizes one recovery pass
type ResumeReport struct {
	Released int
	Enqueued int
	Skipped  int
}

// ResumePendingJobs re-submits every job a previous process left unfinished.
// Running jobs are released first; with staleAfter > 0 only those whose last
// update is older than that are touched, so live workers elsewhere keep
// their jobs. Repeated calls are harmless: the queue deduplicates and the
// running transition admits one executor.
func ResumePendingJobs(ctx context.Context, jobStore store.JobStore, queue Queue, staleAfter time.Duration, logger *zap.Logger) (ResumeReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var report ResumeReport

	jobs, err := jobStore.ListUnfinished(ctx)
	if err != nil {
		return report, fmt.Errorf("list unfinished jobs: %w", err)
	}

	cutoff := time.Now().Add(-staleAfter)
	for _, job := range jobs {
		log := logger.With(zap.String(logging.FieldJobID, job.ID), zap.String("status", string(job.Status)))

		if job.Status == model.JobStatusRunning {
			if staleAfter > 0 && job.UpdatedAt.After(cutoff) {
				log.Debug("running job is recent, leaving it alone")
				report.Skipped++
				continue
			}
			if _, err := jobStore.Release(ctx, job.ID); err != nil {
				if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
					report.Skipped++
					continue
				}
				return report, fmt.Errorf("release job %s: %w", job.ID, err)
			}
			report.Released++
			log.Info("released orphaned running job", zap.Int("attempts", job.Attempts))
		}

		if err := queue.Enqueue(ctx, job.ID); err != nil {
			return report, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		report.Enqueued++
	}

	logger.Info("resume complete",
		zap.Int("released", report.Released),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("skipped", report.Skipped))
	return report, nil
}
