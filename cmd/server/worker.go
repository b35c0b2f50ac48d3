package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ws "github.com/shelfscan/api/internal/websocket"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs from Redis without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), ctx)
		},
	}
}

func runWorker(parent context.Context, cc *commandContext) error {
	cfg, logger := cc.cfg, cc.logger
	if cfg.Worker.Queue != queueAsynq {
		return fmt.Errorf("the worker command needs worker.queue=%s, got %q", queueAsynq, cfg.Worker.Queue)
	}
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

	publisher := ws.NewRedisPublisher(rt.redis, logger.Named("events"))
	srv, mux := rt.newAsynqServer(rt.newRunner(publisher))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))

	<-ctx.Done()
	logger.Info("shutting down worker")
	srv.Shutdown()
	return nil
}
