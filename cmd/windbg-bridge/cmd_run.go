package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ylhao666/AI-WinDBG/internal/bridge"
	"github.com/ylhao666/AI-WinDBG/internal/fakebackend"
	"github.com/ylhao666/AI-WinDBG/internal/model"
	"github.com/ylhao666/AI-WinDBG/internal/tracker"
)

// newRunCmd creates the "run" subcommand.
func newRunCmd(a *app) *cobra.Command {
	var (
		dashboardAddr string
		fakeAddr      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the event channels open and track analysis tasks",
		Long:  "run connects every configured channel, prints pushed command output\nand task changes, and serves the status dashboard when enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dashboardAddr != "" {
				a.cfg.Dashboard.Enabled = true
				a.cfg.Dashboard.Address = dashboardAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runBridge(ctx, cmd.OutOrStdout(), fakeAddr)
		},
	}

	cmd.Flags().StringVar(&dashboardAddr, "dashboard", "", "serve the dashboard on this address")
	cmd.Flags().StringVar(&fakeAddr, "with-fake-backend", "", "also serve a fake backend on this address")
	return cmd
}

func (a *app) runBridge(ctx context.Context, out io.Writer, fakeAddr string) error {
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	b, err := bridge.New(bridge.Options{Config: a.cfg, Logger: &a.logger, History: store})
	if err != nil {
		return err
	}

	b.OnConnectivity(func(ev bridge.ConnectivityEvent) {
		if ev.Degraded {
			a.logger.Warn().Err(ev.Err).Str("channel", ev.Channel).Msg("channel degraded, polling active tasks")
			return
		}
		a.logger.Info().Str("channel", ev.Channel).Str("status", string(ev.Status)).Msg("channel status")
	})
	b.OnTaskStateChanged(func(c tracker.Change) {
		a.logger.Info().
			Str("task_id", c.TaskID).
			Str("status", string(c.Record.Status)).
			Int("progress", c.Record.Progress).
			Str("source", string(c.Source)).
			Msg(c.Record.Message)
	})
	b.SubscribeFunc(model.EventCommandOutput, func(_ string, env *model.Envelope) error {
		ev, err := env.Event()
		if err != nil {
			return err
		}
		o := ev.(*model.CommandOutput)
		_, err = fmt.Fprintf(out, "%s\n%s\n", o.Command, o.Output)
		return err
	})

	g, gctx := errgroup.WithContext(ctx)

	if fakeAddr != "" {
		fake := fakebackend.New(fakebackend.Options{Logger: &a.logger, StepDelay: defaultStepDelay})
		g.Go(func() error { return fake.Serve(gctx, fakeAddr) })
	}

	g.Go(func() error {
		if err := b.Start(gctx); err != nil {
			return err
		}
		a.logger.Info().Str("session_id", b.SessionID()).Msg("bridge running, press Ctrl+C to stop")
		<-gctx.Done()
		a.logger.Info().Msg("shutting down")
		return b.Stop()
	})

	return g.Wait()
}
