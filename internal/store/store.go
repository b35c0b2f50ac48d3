// Package store persists identification jobs and enforces their lifecycle.
//
// Every backend shares the transition table in this file: a job moves
// pending -> running -> done|failed, and a running job may be released back
// to pending for a retry or after a crash. Anything else is a conflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shelfscan/api/internal/model"
)

var (
	// ErrNotFound is returned when no job exists with the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrStateConflict is returned for a transition the state machine forbids.
	ErrStateConflict = errors.New("job state conflict")
)

// JobStore is the durable job document store
type JobStore interface {
	Create(ctx context.Context, payload model.JobPayload) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	MarkRunning(ctx context.Context, id string) (*model.Job, error)
	MarkDone(ctx context.Context, id, modelUsed string, result *model.ProductBundle, trace []model.ToolCallRecord) (*model.Job, error)
	MarkFailed(ctx context.Context, id, modelUsed string, jobErr model.JobError, trace []model.ToolCallRecord) (*model.Job, error)
	Release(ctx context.Context, id string) (*model.Job, error)
	// ListUnfinished returns pending and running jobs, oldest first.
	ListUnfinished(ctx context.Context) ([]*model.Job, error)
	Close() error
}

// Transition is a requested state change plus the data it records
type Transition struct {
	To        model.JobStatus
	ModelUsed string
	Result    *model.ProductBundle
	Trace     []model.ToolCallRecord
	Error     *model.JobError
}

func ToRunning() Transition {
	return Transition{To: model.JobStatusRunning}
}

func ToDone(modelUsed string, result *model.ProductBundle, trace []model.ToolCallRecord) Transition {
	return Transition{To: model.JobStatusDone, ModelUsed: modelUsed, Result: result, Trace: trace}
}

func ToFailed(modelUsed string, jobErr model.JobError, trace []model.ToolCallRecord) Transition {
	return Transition{To: model.JobStatusFailed, ModelUsed: modelUsed, Error: &jobErr, Trace: trace}
}

// ToPending releases a running job so it can be picked up again.
func ToPending() Transition {
	return Transition{To: model.JobStatusPending}
}

var allowedTransitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending: {model.JobStatusRunning},
	model.JobStatusRunning: {model.JobStatusDone, model.JobStatusFailed, model.JobStatusPending},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply mutates job according to t. It is the single source of truth for
// what each transition records and is shared by every backend.
func Apply(job *model.Job, t Transition, now time.Time) error {
	if !CanTransition(job.Status, t.To) {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrStateConflict, job.Status, t.To, job.ID)
	}

	now = now.UTC()
	// updatedAt never moves backwards, even if clocks disagree between workers
	if now.Before(job.UpdatedAt) {
		now = job.UpdatedAt
	}

	switch t.To {
	case model.JobStatusRunning:
		job.Attempts++
		if job.StartedAt == nil {
			started := now
			job.StartedAt = &started
		}
	case model.JobStatusDone:
		job.ModelUsed = t.ModelUsed
		job.Result = t.Result
		job.Trace = t.Trace
		job.Error = nil
		finished := now
		job.FinishedAt = &finished
	case model.JobStatusFailed:
		job.ModelUsed = t.ModelUsed
		job.Result = nil
		job.Trace = t.Trace
		job.Error = t.Error
		finished := now
		job.FinishedAt = &finished
	}

	job.Status = t.To
	job.UpdatedAt = now
	return nil
}

// NewJob builds a fresh pending job for payload.
func NewJob(payload model.JobPayload, now time.Time) *model.Job {
	now = now.UTC()
	if payload.Images == nil {
		payload.Images = []model.FileRef{}
	}
	return &model.Job{
		ID:        uuid.New().String(),
		Status:    model.JobStatusPending,
		Attempts:  0,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
