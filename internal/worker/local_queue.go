package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/logging"
)

// LocalQueue is an in-process FIFO queue drained by a fixed pool of
// goroutines. Jobs survive a restart only through the job store and
// ResumePendingJobs.
type LocalQueue struct {
	exec        Executor
	concurrency int
	jobs        chan string
	logger      *zap.Logger

	mu     sync.Mutex
	queued map[string]bool
	timers map[string]*time.Timer
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalQueue creates a queue with concurrency workers and room for
// buffer waiting jobs. Call Start before jobs are processed.
func NewLocalQueue(exec Executor, concurrency, buffer int, logger *zap.Logger) *LocalQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	if buffer < 1 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		exec:        exec,
		concurrency: concurrency,
		jobs:        make(chan string, buffer),
		logger:      logger,
		queued:      make(map[string]bool),
		timers:      make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines.
func (q *LocalQueue) Start() {
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
	q.logger.Info("local queue started", zap.Int("concurrency", q.concurrency))
}

// Enqueue adds jobID unless it is already waiting, scheduled or running.
func (q *LocalQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, scheduled := q.timers[jobID]; q.queued[jobID] || scheduled {
		q.mu.Unlock()
		return nil
	}
	q.queued[jobID] = true
	q.mu.Unlock()

	select {
	case q.jobs <- jobID:
		return nil
	case <-ctx.Done():
		q.forget(jobID)
		return ctx.Err()
	case <-q.ctx.Done():
		q.forget(jobID)
		return ErrQueueClosed
	}
}

// Shutdown stops accepting work, cancels pending retries and waits for
// in-flight jobs or ctx, whichever comes first.
func (q *LocalQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalQueue) work(worker int) {
	defer q.wg.Done()
	log := q.logger.With(zap.Int("worker", worker))

	for {
		select {
		case <-q.ctx.Done():
			return
		case jobID := <-q.jobs:
			q.run(log, jobID)
		}
	}
}

func (q *LocalQueue) run(log *zap.Logger, jobID string) {
	err := q.exec.Execute(q.ctx, jobID)
	q.forget(jobID)

	var retry *RetryError
	switch {
	case err == nil:
	case errors.As(err, &retry):
		q.scheduleRetry(jobID, retry.Delay)
	case errors.Is(err, context.Canceled):
		log.Info("job interrupted by shutdown", zap.String(logging.FieldJobID, jobID))
	default:
		log.Error("job execution error", zap.String(logging.FieldJobID, jobID), zap.Error(err))
	}
}

func (q *LocalQueue) scheduleRetry(jobID string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.timers[jobID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, jobID)
		q.mu.Unlock()
		if err := q.Enqueue(q.ctx, jobID); err != nil && !errors.Is(err, ErrQueueClosed) {
			q.logger.Error("failed to re-enqueue job", zap.String(logging.FieldJobID, jobID), zap.Error(err))
		}
	})
}

func (q *LocalQueue) forget(jobID string) {
	q.mu.Lock()
	delete(q.queued, jobID)
	q.mu.Unlock()
}
