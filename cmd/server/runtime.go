package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/client"
	"github.com/shelfscan/api/internal/config"
	"github.com/shelfscan/api/internal/pipeline"
	"github.com/shelfscan/api/internal/store"
	"github.com/shelfscan/api/internal/worker"
)

const (
	queueLocal = "local"
	queueAsynq = "asynq"
)

// runtime holds the collaborators shared by every command
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	redis      *redis.Client
	store      store.JobStore
	blobs      client.BlobStore
	model      *client.ModelClient
	search     *client.SearchClient
	identifier *pipeline.Identifier

	closers []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.Store.Backend == "redis" || cfg.Worker.Queue == queueAsynq {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, rt.redis.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rt.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis not available at %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.Store.Backend {
	case "redis":
		rt.store = store.NewRedisStore(rt.redis, cfg.Store.Retention)
	case "sqlite", "":
		s, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.store = s
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	switch cfg.Storage.Backend {
	case "r2":
		r2, err := client.NewR2Client(&cfg.Storage.R2)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.blobs = r2
	case "local", "":
		local, err := client.NewLocalStorage(cfg.Storage.LocalDir)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.blobs = local
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	rt.model = client.NewModelClient(&cfg.Model)
	rt.search = client.NewSearchClient(&cfg.Search)
	if cfg.Model.APIKey == "" {
		logger.Warn("MODEL_API_KEY is not set; identification requests will be rejected by the provider")
	}
	if !rt.search.IsConfigured() {
		logger.Warn("search API is not configured; tool calls will report errors to the model")
	}

	rt.identifier = pipeline.NewIdentifier(
		pipeline.NewValidator(pipeline.Limits{
			MaxBarcodes:   cfg.Limits.MaxBarcodes,
			MaxImageBytes: cfg.Limits.MaxImageBytes,
		}),
		pipeline.NewOrchestrator(rt.model, rt.search, rt.blobs, cfg.Orchestrator.MaxToolIterations, logger.Named("orchestrator")),
		pipeline.NewNormalizer(),
	)

	return rt, nil
}

func (rt *runtime) backoff() worker.BackoffPolicy {
	b := rt.cfg.Worker.Backoff
	return worker.BackoffPolicy{
		InitialInterval:     b.InitialInterval,
		MaxInterval:         b.MaxInterval,
		Multiplier:          b.Multiplier,
		RandomizationFactor: b.Jitter,
	}
}

func (rt *runtime) newRunner(notifier worker.Notifier) *worker.Runner {
	return worker.NewRunner(rt.store, rt.identifier, notifier, worker.RunnerConfig{
		MaxAttempts: rt.cfg.Worker.MaxAttempts,
		JobTimeout:  rt.cfg.Worker.JobTimeout,
		Backoff:     rt.backoff(),
	}, rt.logger.Named("runner"))
}

func (rt *runtime) asynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	}
}

func (rt *runtime) newAsynqQueue() *worker.AsynqQueue {
	q := worker.NewAsynqQueue(rt.asynqRedisOpt(), rt.cfg.Worker.MaxAttempts, rt.cfg.Store.Retention, rt.logger.Named("queue"))
	rt.closers = append(rt.closers, q.Close)
	return q
}

func (rt *runtime) newAsynqServer(exec worker.Executor) (*asynq.Server, *asynq.ServeMux) {
	return worker.NewServer(rt.asynqRedisOpt(), worker.ServerConfig{
		Concurrency:     rt.cfg.Worker.Concurrency,
		ShutdownTimeout: rt.cfg.Worker.ShutdownTimeout,
		LogLevel:        rt.cfg.Log.Level,
		Backoff:         rt.backoff(),
	}, exec, rt.logger.Named("asynq"))
}

// resume requeues jobs left behind by a previous process.
func (rt *runtime) resume(ctx context.Context, queue worker.Queue) error {
	report, err := worker.ResumePendingJobs(ctx, rt.store, queue, rt.cfg.Worker.ResumeStaleAfter, rt.logger.Named("resume"))
	if err != nil {
		return fmt.Errorf("failed to resume jobs: %w", err)
	}
	if report.Enqueued > 0 || report.Released > 0 {
		rt.logger.Info("resumed unfinished jobs",
			zap.Int("released", report.Released),
			zap.Int("enqueued", report.Enqueued),
			zap.Int("skipped", report.Skipped))
	}
	return nil
}

func (rt *runtime) health() map[string]bool {
	return map[string]bool{
		"model":   rt.cfg.Model.APIKey != "",
		"search":  rt.search.IsConfigured(),
		"r2":      rt.cfg.Storage.Backend == "r2",
		"redis":   rt.redis != nil,
		"auth":    rt.cfg.OIDC.Issuer != "" || rt.cfg.OIDC.Domain != "" || rt.cfg.JWT.Secret != "",
		"gateway": rt.cfg.Gateway.Enabled,
	}
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
