// Package dispatch sends work to the backend over REST and correlates the
// task identifiers it returns with the tracker.
//
// Synchronous commands bypass the tracker. Asynchronous analyses create a
// pending record only after the backend accepted them. Cancel never changes
// a record by itself: the cancelled state arrives later through a push event
// or a poll.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ylhao666/AI-WinDBG/internal/history"
	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/model"
	"github.com/ylhao666/AI-WinDBG/internal/tracker"
)

// DefaultPollTimeout bounds a single poll-task call.
const DefaultPollTimeout = 5 * time.Second

var (
	ErrEmptyTaskID = errors.New("empty task id")
	ErrEmptyInput  = errors.New("empty input")
	// ErrPollTimeout is transient: the task itself is unaffected.
	ErrPollTimeout = errors.New("poll timed out")
	ErrUnknownKind = errors.New("unknown submission kind")
)

// Kind selects a submit operation.
type Kind string

const (
	KindCommand  Kind = "command"
	KindNatural  Kind = "natural"
	KindAnalysis Kind = "analysis"
)

// Request is the payload of Submit.
type Request struct {
	Kind Kind
	// Text is the debugger command, the natural language input, or the raw
	// output to analyse, depending on Kind.
	Text string
	// Command is the command that produced Text, for analyses.
	Command   string
	Mode      model.OutputMode
	UseCache  bool
	Streaming bool
}

// Submission is the outcome of Submit: Result for synchronous kinds, TaskID
// for analyses.
type Submission struct {
	Kind    Kind
	Result  *model.CommandResult
	TaskID  string
	Message string
}

// Recorder stores executed commands. *history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, e *history.Entry) error
}

// Options configures a Dispatcher.
type Options struct {
	Client      *Client
	Tracker     *tracker.Tracker
	PollTimeout time.Duration
	History     Recorder // optional
	Logger      *zerolog.Logger
}

// Dispatcher submits work and polls task state.
type Dispatcher struct {
	client      *Client
	tracker     *tracker.Tracker
	history     Recorder
	pollTimeout time.Duration
	log         zerolog.Logger

	polls singleflight.Group
}

// New creates a Dispatcher. Client and Tracker are required.
func New(opts Options) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("dispatch: client is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("dispatch: tracker is required")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Dispatcher{
		client:      opts.Client,
		tracker:     opts.Tracker,
		history:     opts.History,
		pollTimeout: opts.PollTimeout,
		log:         log.OrComponent(opts.Logger, "dispatch"),
	}, nil
}

// Client returns the underlying REST client.
func (d *Dispatcher) Client() *Client {
	return d.client
}

// Submit runs one submit operation. A failed call creates no task record.
func (d *Dispatcher) Submit(ctx context.Context, r Request) (*Submission, error) {
	switch r.Kind {
	case KindCommand:
		res, err := d.SubmitCommand(ctx, r.Text, r.Mode)
		if err != nil {
			return nil, err
		}
		return &Submission{Kind: r.Kind, Result: res}, nil

	case KindNatural:
		res, err := d.SubmitNatural(ctx, r.Text, r.Mode)
		if err != nil {
			return nil, err
		}
		return &Submission{Kind: r.Kind, Result: res}, nil

	case KindAnalysis:
		resp, err := d.SubmitAnalysis(ctx, model.AnalyzeAsyncRequest{
			RawOutput: r.Text,
			Command:   r.Command,
			UseCache:  r.UseCache,
			Streaming: r.Streaming,
		})
		if err != nil {
			return nil, err
		}
		return &Submission{Kind: r.Kind, TaskID: resp.TaskID, Message: resp.Message}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
}

// SubmitCommand executes a debugger command and returns its output directly.
func (d *Dispatcher) SubmitCommand(ctx context.Context, command string, mode model.OutputMode) (*model.CommandResult, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, ErrEmptyInput
	}
	if mode == "" {
		mode = model.ModeSmart
	}

	res, err := d.client.ExecuteCommand(ctx, model.CommandRequest{Command: command, Mode: mode})
	if err != nil {
		return nil, err
	}
	d.record(ctx, history.KindCommand, command, res, mode)
	return res, nil
}

// SubmitNatural sends a natural language request; the backend picks the
// command to run.
func (d *Dispatcher) SubmitNatural(ctx context.Context, input string, mode model.OutputMode) (*model.CommandResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	if mode == "" {
		mode = model.ModeSmart
	}

	res, err := d.client.ExecuteNatural(ctx, model.NaturalRequest{Input: input, Mode: mode})
	if err != nil {
		return nil, err
	}
	d.record(ctx, history.KindNatural, input, res, mode)
	return res, nil
}

// SubmitAnalysis starts an asynchronous analysis and begins tracking the
// returned task as pending.
func (d *Dispatcher) SubmitAnalysis(ctx context.Context, r model.AnalyzeAsyncRequest) (*model.AnalyzeAsyncResponse, error) {
	if strings.TrimSpace(r.RawOutput) == "" {
		return nil, ErrEmptyInput
	}

	resp, err := d.client.StartAnalysis(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := d.tracker.Track(resp.TaskID); err != nil {
		return nil, err
	}
	d.log.Info().Str("task_id", resp.TaskID).Str("command", r.Command).Msg("analysis submitted")
	return resp, nil
}

// Cancel asks the backend to cancel taskID and returns its acknowledgement.
// The task record is left alone until the backend confirms the cancellation.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, ErrEmptyTaskID
	}
	ack, err := d.client.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	d.log.Info().Str("task_id", taskID).Bool("success", ack.Success).Str("message", ack.Message).Msg("cancel requested")
	return ack.Success, nil
}

// Poll fetches taskID's state and folds it into the tracker as a poll
// update. Concurrent polls for one id share a single request. On failure
// the record is not touched; a timeout is reported as ErrPollTimeout.
func (d *Dispatcher) Poll(ctx context.Context, taskID string) (model.TaskRecord, error) {
	if taskID == "" {
		return model.TaskRecord{}, ErrEmptyTaskID
	}

	ch := d.polls.DoChan(taskID, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.pollTimeout)
		defer cancel()

		snap, err := d.client.PollTask(pctx, taskID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: task %s after %s", ErrPollTimeout, taskID, d.pollTimeout)
			}
			return nil, err
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return model.TaskRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			d.log.Debug().Err(res.Err).Str("task_id", taskID).Msg("poll failed")
			return model.TaskRecord{}, res.Err
		}
		snap := res.Val.(*model.TaskSnapshot)
		// Untracked ids are answered from the snapshot alone so they never
		// occupy the early-update buffer.
		if _, ok := d.tracker.Get(taskID); !ok {
			return snapshotRecord(snap), nil
		}
		d.tracker.Apply(snap.AsProgress(), model.SourcePoll)
		rec, _ := d.tracker.Get(taskID)
		return rec, nil
	}
}

func (d *Dispatcher) record(ctx context.Context, kind history.Kind, input string, res *model.CommandResult, mode model.OutputMode) {
	if d.history == nil {
		return
	}
	e := &history.Entry{
		Kind:    kind,
		Input:   input,
		Command: res.Command,
		Mode:    string(mode),
		Success: res.Success,
	}
	if err := d.history.Record(ctx, e); err != nil {
		d.log.Warn().Err(err).Msg("record command history")
	}
}

// snapshotRecord converts a polled snapshot for a task the tracker does not
// know about.
func snapshotRecord(s *model.TaskSnapshot) model.TaskRecord {
	rec := model.TaskRecord{
		TaskID:   s.TaskID,
		Status:   s.Status,
		Progress: s.Progress,
		Message:  s.Message,
		Result:   s.Result,
		Source:   model.SourcePoll,
	}
	if s.Error != nil {
		rec.Error = *s.Error
	}
	for _, t := range s.ThinkingHistory {
		ts, _ := time.Parse("2006-01-02T15:04:05.999999", t.Timestamp)
		rec.ThinkingHistory = append(rec.ThinkingHistory, model.ThinkingEntry{Timestamp: ts, Content: t.Content})
	}
	return rec
}
