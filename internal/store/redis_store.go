package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shelfscan/api/internal/model"
)

const (
	unfinishedKey = "jobs:unfinished"
	// maxTxRetries bounds optimistic transaction retries under contention.
	maxTxRetries = 10
)

// RedisStore keeps job documents as JSON strings under job:<id>. Unfinished
// job ids live in a sorted set scored by creation time.
type RedisStore struct {
	redis     *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a store on an existing client. Terminal jobs expire
// after retention; zero keeps them forever.
func NewRedisStore(redisClient *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{
		redis:     redisClient,
		retention: retention,
		now:       time.Now,
	}
}

// Close is a no-op; the client is shared and closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

// Create saves a new pending job.
func (s *RedisStore) Create(ctx context.Context, payload model.JobPayload) (*model.Job, error) {
	job := NewJob(payload, s.now())

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, 0)
		pipe.ZAdd(ctx, unfinishedKey, redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	return job, nil
}

// Get fetches a job by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) MarkRunning(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, ToRunning())
}

func (s *RedisStore) MarkDone(ctx context.Context, id, modelUsed string, result *model.ProductBundle, trace []model.ToolCallRecord) (*model.Job, error) {
	return s.transition(ctx, id, ToDone(modelUsed, result, trace))
}

func (s *RedisStore) MarkFailed(ctx context.Context, id, modelUsed string, jobErr model.JobError, trace []model.ToolCallRecord) (*model.Job, error) {
	return s.transition(ctx, id, ToFailed(modelUsed, jobErr, trace))
}

func (s *RedisStore) Release(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, ToPending())
}

// ListUnfinished returns pending and running jobs, oldest first.
func (s *RedisStore) ListUnfinished(ctx context.Context) ([]*model.Job, error) {
	ids, err := s.redis.ZRange(ctx, unfinishedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list unfinished ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load unfinished jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// document vanished; drop the dangling index entry
			s.redis.ZRem(ctx, unfinishedKey, ids[i])
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		if job.Status.IsTerminal() {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// transition applies t under WATCH so that concurrent writers to the same
// job serialize; a lost race is retried against the fresh document.
func (s *RedisStore) transition(ctx context.Context, id string, t Transition) (*model.Job, error) {
	key := jobKey(id)
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		if err := Apply(&job, t, s.now()); err != nil {
			return err
		}

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if job.Status.IsTerminal() {
				pipe.Set(ctx, key, out, s.retention)
				pipe.ZRem(ctx, unfinishedKey, id)
			} else {
				pipe.Set(ctx, key, out, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &job
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStateConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}
	return nil, fmt.Errorf("%w: job %s kept changing during update", ErrStateConflict, id)
}
