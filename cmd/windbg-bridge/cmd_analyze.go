package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ylhao666/AI-WinDBG/internal/bridge"
	"github.com/ylhao666/AI-WinDBG/internal/model"
	"github.com/ylhao666/AI-WinDBG/internal/tracker"
)

const followPollEvery = 2 * time.Second

// newAnalyzeCmd creates the "analyze" subcommand.
func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		command  string
		useCache bool
		stream   bool
		report   bool
		detach   bool
		poll     bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze debugger output and follow the task until it finishes",
		Long:  "analyze sends raw debugger output (from file, or stdin when file is\nomitted or \"-\") to the analyser and prints progress until the task\ncompletes, fails or is cancelled.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("cache") {
				useCache = a.cfg.Analysis.UseCache
			}
			if !cmd.Flags().Changed("stream") {
				stream = a.cfg.Analysis.Streaming
			}

			if report {
				d, release, err := a.dispatcher()
				if err != nil {
					return err
				}
				defer release()
				rep, err := d.Client().AnalyzeReport(ctx, model.AnalyzeRequest{RawOutput: raw, Command: command})
				if err != nil {
					return err
				}
				printReport(out, rep)
				return nil
			}

			if poll {
				a.cfg.Poller.Enabled = true
			}
			a.cfg.Dashboard.Enabled = false
			b, err := bridge.New(bridge.Options{Config: a.cfg, Logger: &a.logger})
			if err != nil {
				return err
			}
			if err := b.Start(ctx); err != nil {
				return err
			}
			defer b.Stop()

			resp, err := b.SubmitAnalysis(ctx, model.AnalyzeAsyncRequest{
				RawOutput: raw,
				Command:   command,
				UseCache:  useCache,
				Streaming: stream,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "task %s submitted\n", resp.TaskID)
			if detach {
				return nil
			}

			rec, err := follow(ctx, b, resp.TaskID, out)
			if err != nil {
				return err
			}
			return finish(out, rec)
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "command that produced the output")
	cmd.Flags().BoolVar(&useCache, "cache", false, "allow a cached analysis (default from config)")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the analyser's reasoning (default from config)")
	cmd.Flags().BoolVar(&report, "sync", false, "use the synchronous report endpoint instead of a task")
	cmd.Flags().BoolVar(&detach, "detach", false, "print the task id and exit")
	cmd.Flags().BoolVar(&poll, "poll", false, "poll the task even while channels are healthy")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up following after this long")
	return cmd
}

func readInput(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("read debugger output: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("no debugger output to analyze")
	}
	return string(data), nil
}

// follow prints task changes until taskID is terminal. Pushed updates drive
// it; a poll runs on a tick while a channel is degraded or pushes stall.
func follow(ctx context.Context, b *bridge.Bridge, taskID string, out io.Writer) (model.TaskRecord, error) {
	changes := make(chan tracker.Change, 64)
	unsubscribe := b.OnTaskStateChanged(func(c tracker.Change) {
		if c.TaskID != taskID {
			return
		}
		select {
		case changes <- c:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(followPollEvery)
	defer ticker.Stop()
	lastChange := time.Now()

	for {
		rec, ok := b.Task(taskID)
		if ok && rec.Status.Terminal() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("following task %s: %w", taskID, ctx.Err())
		case c := <-changes:
			lastChange = time.Now()
			printChange(out, c)
		case <-ticker.C:
			if !b.Degraded() && time.Since(lastChange) < followPollEvery {
				continue
			}
			if _, err := b.Poll(ctx, taskID); err != nil && ctx.Err() == nil {
				fmt.Fprintf(out, "poll failed: %v\n", err)
			}
		}
	}
}

func printChange(w io.Writer, c tracker.Change) {
	r := c.Record
	if c.Transitioned() || r.Message == "" {
		fmt.Fprintf(w, "[%3d%%] %s\n", r.Progress, r.Status)
	}
	if r.Message != "" && !r.Status.Terminal() {
		fmt.Fprintf(w, "[%3d%%] %s\n", r.Progress, r.Message)
	}
}

func finish(w io.Writer, rec model.TaskRecord) error {
	switch rec.Status {
	case model.TaskStatusCompleted:
		rep, err := rec.Report()
		if err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
		printReport(w, rep)
		return nil
	case model.TaskStatusCancelled:
		return fmt.Errorf("task %s was cancelled", rec.TaskID)
	default:
		return fmt.Errorf("task %s failed: %s", rec.TaskID, rec.Error)
	}
}

func printReport(w io.Writer, rep *model.AnalysisReport) {
	if rep == nil {
		fmt.Fprintln(w, "analysis finished without a report")
		return
	}
	fmt.Fprintf(w, "Summary:    %s\n", rep.Summary)
	if rep.CrashType != "" {
		fmt.Fprintf(w, "Crash type: %s\n", rep.CrashType)
	}
	if rep.ExceptionCode != "" {
		fmt.Fprintf(w, "Exception:  %s at %s\n", rep.ExceptionCode, rep.ExceptionAddress)
	}
	if rep.RootCause != "" {
		fmt.Fprintf(w, "Root cause: %s\n", rep.RootCause)
	}
	for i, s := range rep.Suggestions {
		fmt.Fprintf(w, "  %d. %s\n", i+1, s)
	}
	fmt.Fprintf(w, "Confidence: %.0f%%\n", rep.Confidence*100)
}
