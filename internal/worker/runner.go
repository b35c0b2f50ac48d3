package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/logging"
	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/pipeline"
	"github.com/shelfscan/api/internal/store"
)

// terminalWriteRetries bounds retries of a failed done/failed write
const terminalWriteRetries = 3

// Identifier is the pipeline entry point the runner drives
type Identifier interface {
	Identify(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// RunnerConfig bounds retries and per-job run time
type RunnerConfig struct {
	MaxAttempts int
	JobTimeout  time.Duration
	Backoff     BackoffPolicy
}

// Runner executes identification jobs against the job store
type Runner struct {
	store      store.JobStore
	identifier Identifier
	notifier   Notifier
	cfg        RunnerConfig
	logger     *zap.Logger
}

// NewRunner creates a runner. A nil notifier discards updates.
func NewRunner(jobStore store.JobStore, identifier Identifier, notifier Notifier, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Runner{
		store:      jobStore,
		identifier: identifier,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// Execute moves a pending job to running, runs the pipeline and records the
// outcome. A job that is not pending is skipped: the running transition is
// what guarantees a single executor per attempt.
func (r *Runner) Execute(ctx context.Context, jobID string) error {
	log := r.logger.With(zap.String(logging.FieldJobID, jobID))

	if err := ctx.Err(); err != nil {
		return err
	}

	job, err := r.store.MarkRunning(ctx, jobID)
	if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
		log.Info("skipping job", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	log = log.With(zap.Int(logging.FieldAttempt, job.Attempts))
	r.notifier.JobUpdated(job)

	// terminal writes must land even while the worker is stopping
	storeCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		log.Info("worker stopping before pipeline start, releasing job")
		r.release(storeCtx, log, job.ID)
		return err
	}

	log.Info("job started")
	result, err := r.identify(storeCtx, job)
	if err == nil {
		done, markErr := r.finish(storeCtx, log, job, "done", func(ctx context.Context) (*model.Job, error) {
			return r.store.MarkDone(ctx, job.ID, result.ModelUsed, result.Bundle, result.Trace)
		})
		if done == nil {
			return markErr
		}
		log.Info("job done",
			zap.String(logging.FieldModel, result.ModelUsed),
			zap.Int("products", len(result.Bundle.Products)),
			zap.Int("tool_calls", len(result.Trace)))
		return nil
	}

	perr := pipeline.AsError(err)
	log = log.With(zap.String(logging.FieldCode, string(perr.Code)), zap.String(logging.FieldModel, perr.ModelUsed))

	if perr.Retryable() && job.Attempts < r.cfg.MaxAttempts {
		if !r.release(storeCtx, log, job.ID) {
			return fmt.Errorf("release job %s: %w", job.ID, perr)
		}
		delay := r.cfg.Backoff.Delay(job.Attempts)
		log.Warn("transient failure, job will retry", zap.Duration("delay", delay), zap.Error(perr))
		return &RetryError{JobID: job.ID, Attempt: job.Attempts, Delay: delay, Err: perr}
	}

	jobErr := model.JobError{Code: string(perr.Code), Message: perr.Error()}
	failed, markErr := r.finish(storeCtx, log, job, "failed", func(ctx context.Context) (*model.Job, error) {
		return r.store.MarkFailed(ctx, job.ID, perr.ModelUsed, jobErr, perr.Trace)
	})
	if failed == nil {
		return markErr
	}
	log.Warn("job failed", zap.Error(perr))
	return nil
}

// identify runs the pipeline for job. Panics become INTERNAL_ERROR failures.
func (r *Runner) identify(ctx context.Context, job *model.Job) (result *pipeline.Result, err error) {
	runCtx := ctx
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &pipeline.Error{
				Code:    pipeline.CodeInternal,
				Message: fmt.Sprintf("panic during identification: %v", p),
			}
		}
	}()

	result, err = r.identifier.Identify(runCtx, InputFromPayload(job.Payload))
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		// the job timeout is ours, not a caller cancellation
		timedOut := *pipeline.AsError(err)
		timedOut.Code = pipeline.CodeTransientProvider
		timedOut.Message = fmt.Sprintf("identification exceeded the %s job timeout", r.cfg.JobTimeout)
		err = &timedOut
	}
	return result, err
}

func (r *Runner) release(ctx context.Context, log *zap.Logger, jobID string) bool {
	released, err := r.store.Release(ctx, jobID)
	if err != nil {
		log.Error("failed to release job", zap.Error(err))
		return false
	}
	r.notifier.JobUpdated(released)
	return true
}

// finish records a terminal outcome, retrying store failures on the backoff
// schedule. A lost race is someone else's win and returns (nil, nil). When the
// write keeps failing the job is released and a RetryError hands it back to
// the queue; if even the release fails the job stays running until resume.
func (r *Runner) finish(ctx context.Context, log *zap.Logger, job *model.Job, target string, write func(context.Context) (*model.Job, error)) (*model.Job, error) {
	var recorded *model.Job
	policy := backoff.WithContext(backoff.WithMaxRetries(r.cfg.Backoff.newExponential(), terminalWriteRetries), ctx)
	err := backoff.Retry(func() error {
		var err error
		recorded, err = write(ctx)
		if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	switch {
	case err == nil:
		r.notifier.JobUpdated(recorded)
		return recorded, nil
	case errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrNotFound):
		log.Warn("job changed state during execution", zap.String("target", target), zap.Error(err))
		return nil, nil
	}

	err = fmt.Errorf("mark job %s: %w", target, err)
	log.Error("failed to record job outcome", zap.Error(err))
	if !r.release(ctx, log, job.ID) {
		return nil, err
	}
	return nil, &RetryError{JobID: job.ID, Attempt: job.Attempts, Delay: r.cfg.Backoff.Delay(job.Attempts), Err: err}
}

// InputFromPayload maps a stored job payload onto pipeline input. Image bytes
// are fetched from the blob store by the orchestrator.
func InputFromPayload(p model.JobPayload) pipeline.Input {
	images := make([]pipeline.Image, len(p.Images))
	for i, ref := range p.Images {
		images[i] = pipeline.Image{
			Key:         ref.Key,
			ContentType: ref.ContentType,
			Size:        ref.Size,
		}
	}
	return pipeline.Input{
		Barcodes: p.Barcodes,
		Images:   images,
		Locale:   p.Locale,
		Model:    p.Model,
	}
}
