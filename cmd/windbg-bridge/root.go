package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ylhao666/AI-WinDBG/internal/config"
	"github.com/ylhao666/AI-WinDBG/internal/dispatch"
	"github.com/ylhao666/AI-WinDBG/internal/history"
	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/tracker"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	backendURL string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "windbg-bridge",
		Short:         "Client bridge for the WinDBG analysis backend",
		Long:          "windbg-bridge runs debugger commands on the analysis backend,\nstarts and follows crash analyses and keeps its event channels connected.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&a.backendURL, "backend", "", "backend base URL (overrides config)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides config)")

	cmd.AddCommand(
		newRunCmd(a),
		newExecCmd(a),
		newNaturalCmd(a),
		newAnalyzeCmd(a),
		newTaskCmd(a),
		newCancelCmd(a),
		newStatusCmd(a),
		newSessionCmd(a),
		newHistoryCmd(a),
		newFakeBackendCmd(a),
	)
	return cmd
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.backendURL != "" {
		cfg.Backend.URL = strings.TrimRight(a.backendURL, "/")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Output: os.Stderr})
	a.cfg = cfg
	a.logger = log.Base()
	return nil
}

// openHistory opens the local command history, or returns nil when it is
// disabled.
func (a *app) openHistory() (*history.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	return history.Open(a.cfg.History.Path, &a.logger)
}

// dispatcher builds a standalone dispatcher for one-shot commands. The
// returned func releases the history store.
func (a *app) dispatcher() (*dispatch.Dispatcher, func(), error) {
	client, err := dispatch.NewClient(dispatch.ClientOptions{
		BaseURL: a.cfg.Backend.URL,
		Timeout: a.cfg.Backend.RequestTimeout,
		Logger:  &a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := a.openHistory()
	if err != nil {
		return nil, nil, err
	}
	opts := dispatch.Options{
		Client:      client,
		Tracker:     tracker.New(tracker.Options{DisplayGrace: -1, Logger: &a.logger}),
		PollTimeout: a.cfg.Backend.PollTimeout,
		Logger:      &a.logger,
	}
	release := func() {}
	if store != nil {
		opts.History = store
		release = func() { store.Close() }
	}

	d, err := dispatch.New(opts)
	if err != nil {
		release()
		return nil, nil, err
	}
	return d, release, nil
}
