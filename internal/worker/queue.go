package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shelfscan/api/internal/model"
)

// ErrQueueClosed is returned by Enqueue after the queue has shut down.
var ErrQueueClosed = errors.New("queue closed")

// Queue schedules jobs for execution. Enqueue is idempotent per job id
// while the job is waiting or in flight.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Executor runs one job to a terminal state or asks for a retry
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Notifier receives every job state change
type Notifier interface {
	JobUpdated(job *model.Job)
}

type nopNotifier struct{}

func (nopNotifier) JobUpdated(*model.Job) {}

// RetryError asks the queue to run the job again after Delay.
type RetryError struct {
	JobID   string
	Attempt int
	Delay   time.Duration
	Err     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("job %s attempt %d will retry in %s: %v", e.JobID, e.Attempt, e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
