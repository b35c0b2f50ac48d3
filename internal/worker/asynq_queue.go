package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/logging"
)

const (
	TaskTypeIdentify = "identify:process"
	QueueIdentify    = "identify"
)

type identifyTaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqQueue enqueues jobs as asynq tasks keyed by job id
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	retention time.Duration
	logger    *zap.Logger
}

// NewAsynqQueue creates a queue on Redis. maxRetry should cover the runner's
// attempt cap so asynq never archives a task the runner still wants.
func NewAsynqQueue(redisOpt asynq.RedisClientOpt, maxRetry int, retention time.Duration, logger *zap.Logger) *AsynqQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		maxRetry:  maxRetry,
		retention: retention,
		logger:    logger,
	}
}

// Close releases the Redis connections.
func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

// Enqueue schedules jobID. An existing task for the same id that is still
// live satisfies the request; a finished or archived one is cleared first.
func (q *AsynqQueue) Enqueue(ctx context.Context, jobID string) error {
	err := q.enqueue(ctx, jobID)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	info, err := q.inspector.GetTaskInfo(QueueIdentify, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return q.enqueue(ctx, jobID)
		}
		return fmt.Errorf("inspect task %s: %w", jobID, err)
	}

	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		if err := q.inspector.DeleteTask(QueueIdentify, jobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete stale task %s: %w", jobID, err)
		}
		q.logger.Info("cleared stale task before re-enqueue",
			zap.String(logging.FieldJobID, jobID), zap.String("state", info.State.String()))
		return q.enqueue(ctx, jobID)
	default:
		return nil
	}
}

func (q *AsynqQueue) enqueue(ctx context.Context, jobID string) error {
	task, err := newIdentifyTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueIdentify),
		asynq.TaskID(jobID),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(q.retention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return err
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func newIdentifyTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(identifyTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeIdentify, data), nil
}

// TaskHandler adapts an Executor to asynq
type TaskHandler struct {
	exec   Executor
	logger *zap.Logger
}

func NewTaskHandler(exec Executor, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{exec: exec, logger: logger}
}

// ProcessTask handles identify task processing
func (h *TaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload identifyTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.JobID == "" {
		h.logger.Error("dropping malformed identify task", zap.ByteString("payload", t.Payload()))
		return fmt.Errorf("malformed identify task: %w", asynq.SkipRetry)
	}
	return h.exec.Execute(ctx, payload.JobID)
}

// ServerConfig configures the asynq worker server
type ServerConfig struct {
	Concurrency     int
	ShutdownTimeout time.Duration
	LogLevel        string
	Backoff         BackoffPolicy
}

// NewServer builds an asynq server and mux that run identify tasks through
// exec. Retry delays honour the RetryError returned by the runner.
func NewServer(redisOpt asynq.RedisClientOpt, cfg ServerConfig, exec Executor, logger *zap.Logger) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueIdentify: 1,
		},
		StrictPriority:  true,
		RetryDelayFunc:  RetryDelayFunc(cfg.Backoff),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger.Sugar(),
		LogLevel:        asynqLogLevel(cfg.LogLevel),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeIdentify, NewTaskHandler(exec, logger))
	return srv, mux
}

// RetryDelayFunc prefers the delay carried by a RetryError and falls back to
// the policy for other failures.
func RetryDelayFunc(policy BackoffPolicy) asynq.RetryDelayFunc {
	return func(n int, err error, _ *asynq.Task) time.Duration {
		var retry *RetryError
		if errors.As(err, &retry) {
			return retry.Delay
		}
		return policy.Delay(n + 1)
	}
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch level {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
