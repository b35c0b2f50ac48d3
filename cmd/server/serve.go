package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/auth"
	"github.com/shelfscan/api/internal/middleware"
	"github.com/shelfscan/api/internal/server"
	"github.com/shelfscan/api/internal/service"
	ws "github.com/shelfscan/api/internal/websocket"
	"github.com/shelfscan/api/internal/worker"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var withWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, unless disabled, the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx, withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "Process jobs in this process (the asynq queue allows running them elsewhere)")
	return cmd
}

// workerPool is whatever drains the queue inside this process
type workerPool struct {
	queue    worker.Queue
	notifier worker.Notifier
	shutdown func(context.Context) error
}

func runServe(parent context.Context, cc *commandContext, withWorkers bool) error {
	cfg, logger := cc.cfg, cc.logger
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	hub := ws.NewHub(logger.Named("websocket"))
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	pool, err := startWorkers(ctx, rt, hub, hubCtx, withWorkers)
	if err != nil {
		return err
	}

	var verifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" || cfg.OIDC.Domain != "" {
		jwks, err := auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			logger.Warn("JWKS verifier not initialized, falling back to HMAC tokens", zap.Error(err))
		} else {
			verifier = jwks
			defer jwks.Close()
		}
	}
	if cfg.Gateway.Enabled {
		logger.Info("gateway mode enabled, trusting X-User-* headers")
	}

	svc := service.NewIdentifyService(rt.store, pool.queue, rt.blobs, rt.identifier, pool.notifier, logger.Named("service"))
	app := server.New(server.Deps{
		Config:        cfg,
		Service:       svc,
		Hub:           hub,
		Authenticator: auth.NewAuthenticator(verifier, cfg.JWT.Secret),
		RateLimiter:   middleware.NewRateLimiter(rt.redis, logger.Named("ratelimit")),
		Logger:        logger.Named("http"),
		Health:        rt.health(),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		logger.Info("server starting", zap.String("addr", addr), zap.String("queue", cfg.Worker.Queue), zap.String("store", cfg.Store.Backend))
		errCh <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = pool.shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server")
	if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := pool.shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("workers did not stop cleanly", zap.Error(err))
	}
	return nil
}

// startWorkers wires the configured queue. Unfinished jobs from a previous
// run are resumed once the workers are up.
func startWorkers(ctx context.Context, rt *runtime, hub *ws.Hub, hubCtx context.Context, withWorkers bool) (*workerPool, error) {
	cfg, logger := rt.cfg, rt.logger

	switch cfg.Worker.Queue {
	case queueLocal, "":
		if !withWorkers {
			return nil, fmt.Errorf("the local queue needs in-process workers")
		}
		runner := rt.newRunner(hub)
		lq := worker.NewLocalQueue(runner, cfg.Worker.Concurrency, cfg.Worker.QueueBuffer, logger.Named("queue"))
		lq.Start()
		if err := rt.resume(ctx, lq); err != nil {
			_ = lq.Shutdown(context.Background())
			return nil, err
		}
		return &workerPool{queue: lq, notifier: hub, shutdown: lq.Shutdown}, nil

	case queueAsynq:
		// updates may come from any worker process, so they travel through Redis
		publisher := ws.NewRedisPublisher(rt.redis, logger.Named("events"))
		go func() {
			if err := hub.Relay(hubCtx, rt.redis); err != nil {
				logger.Error("job event relay stopped", zap.Error(err))
			}
		}()

		q := rt.newAsynqQueue()
		pool := &workerPool{queue: q, notifier: publisher, shutdown: func(context.Context) error { return nil }}
		if !withWorkers {
			return pool, nil
		}

		srv, mux := rt.newAsynqServer(rt.newRunner(publisher))
		if err := srv.Start(mux); err != nil {
			return nil, fmt.Errorf("failed to start asynq server: %w", err)
		}
		if err := rt.resume(ctx, q); err != nil {
			srv.Shutdown()
			return nil, err
		}
		pool.shutdown = func(context.Context) error {
			srv.Shutdown()
			return nil
		}
		return pool, nil

	default:
		return nil, fmt.Errorf("unknown worker queue %q", cfg.Worker.Queue)
	}
}
