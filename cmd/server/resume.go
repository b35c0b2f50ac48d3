package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Requeue jobs left pending or running by a stopped process",
		Long: "Requeue jobs left pending or running by a stopped process.\n" +
			"Only meaningful with the asynq queue; the local queue resumes on serve.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd.Context(), ctx)
		},
	}
}

func runResume(parent context.Context, cc *commandContext) error {
	if cc.cfg.Worker.Queue != queueAsynq {
		return fmt.Errorf("resume needs worker.queue=%s; the local queue resumes when serve starts", queueAsynq)
	}
	if parent == nil {
		parent = context.Background()
	}

	rt, err := newRuntime(parent, cc.cfg, cc.logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.resume(parent, rt.newAsynqQueue())
}
