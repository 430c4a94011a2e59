package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ylhao666/AI-WinDBG/internal/fakebackend"
)

const defaultStepDelay = 500 * time.Millisecond

// newFakeBackendCmd creates the "fake-backend" subcommand.
func newFakeBackendCmd(a *app) *cobra.Command {
	var (
		addr      string
		stepDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fake-backend",
		Short: "Serve an in-process stand-in for the analysis backend",
		Long:  "fake-backend serves the backend's REST API and event channels with\ncanned command output and simulated analyses, for local development.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fake := fakebackend.New(fakebackend.Options{Logger: &a.logger, StepDelay: stepDelay})
			return fake.Serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().DurationVar(&stepDelay, "step-delay", defaultStepDelay, "delay between simulated analysis steps")
	return cmd
}
