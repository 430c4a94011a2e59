// Package bridge wires the websocket channels, the event router, the task
// tracker and the command dispatcher into the single object a UI talks to.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ylhao666/AI-WinDBG/internal/config"
	"github.com/ylhao666/AI-WinDBG/internal/dashboard"
	"github.com/ylhao666/AI-WinDBG/internal/dispatch"
	"github.com/ylhao666/AI-WinDBG/internal/history"
	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/metrics"
	"github.com/ylhao666/AI-WinDBG/internal/model"
	"github.com/ylhao666/AI-WinDBG/internal/router"
	"github.com/ylhao666/AI-WinDBG/internal/tracker"
	"github.com/ylhao666/AI-WinDBG/internal/ws"
)

const (
	// Inbound frames buffered between the read pumps and the dispatch loop
	InboxSize = 256

	autoAnalyzeTimeout = 30 * time.Second
)

var (
	ErrNotStarted     = errors.New("bridge not started")
	ErrAlreadyStarted = errors.New("bridge already started")
)

// ConnectivityEvent reports a channel status change. Degraded is set once
// the channel has given up reconnecting; Err then holds the last failure.
type ConnectivityEvent struct {
	Channel  string
	Status   ws.Status
	Degraded bool
	Err      error
}

// Options configures a Bridge.
type Options struct {
	Config     *config.Config
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
	HTTPClient *http.Client
	History    *history.Store // optional
}

type frame struct {
	channel string
	data    []byte
}

// Bridge is the client side of the analysis backend.
type Bridge struct {
	cfg       *config.Config
	logger    *zerolog.Logger
	log       zerolog.Logger
	metrics   *metrics.Metrics
	sessionID string

	router     *router.Router
	tracker    *tracker.Tracker
	client     *dispatch.Client
	dispatcher *dispatch.Dispatcher
	dashboard  *dashboard.Dashboard

	inbox chan frame
	wake  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	manager   *ws.Manager
	degraded  map[string]error
	listeners []connListener
	nextID    int
}

type connListener struct {
	id int
	fn func(ConnectivityEvent)
}

// New builds a Bridge from cfg. Nothing connects until Start.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bridge: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	cfg := opts.Config

	b := &Bridge{
		cfg:       cfg,
		logger:    opts.Logger,
		log:       log.OrComponent(opts.Logger, "bridge"),
		metrics:   opts.Metrics,
		sessionID: uuid.NewString(),
		inbox:     make(chan frame, InboxSize),
		wake:      make(chan struct{}, 1),
		degraded:  make(map[string]error),
	}

	b.router = router.New(opts.Logger, opts.Metrics)
	b.tracker = tracker.New(tracker.Options{
		DisplayGrace: cfg.Tracker.DisplayGrace,
		EarlyBuffer:  cfg.Tracker.EarlyBuffer,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})

	client, err := dispatch.NewClient(dispatch.ClientOptions{
		BaseURL:    cfg.Backend.URL,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.Backend.RequestTimeout,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	b.client = client

	dopts := dispatch.Options{
		Client:      client,
		Tracker:     b.tracker,
		PollTimeout: cfg.Backend.PollTimeout,
		Logger:      opts.Logger,
	}
	if opts.History != nil {
		dopts.History = opts.History
	}
	if b.dispatcher, err = dispatch.New(dopts); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	b.dashboard = dashboard.New(dashboard.Options{
		SessionID:  b.sessionID,
		BackendURL: cfg.Backend.URL,
		Tasks:      b,
		Registry:   opts.Metrics.Registry,
		Origins:    cfg.Dashboard.AllowedOrigins,
		Logger:     opts.Logger,
	})
	b.dashboard.SetReconnectFunc(b.Reconnect)

	b.tracker.OnChange(b.onTaskChange)
	b.subscribeBuiltins()
	return b, nil
}

// Start opens every configured channel and starts the dispatch loop, the
// fallback poller and, when enabled, the dashboard. A channel that cannot
// connect is retried in the background and does not fail Start.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.manager != nil {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	b.ctx, b.cancel = ctx, cancel
	b.manager = ws.NewManager(ctx, ws.Options{
		ReconnectDelay: b.cfg.Reconnect.Delay,
		MaxAttempts:    b.cfg.Reconnect.MaxAttempts,
		OnFrame:        b.enqueue,
		OnStatus:       b.onStatus,
		OnDegraded:     b.onDegraded,
		Logger:         b.logger,
		Metrics:        b.metrics,
	})
	manager := b.manager
	b.mu.Unlock()

	b.wg.Add(2)
	go b.dispatchLoop(ctx)
	go b.pollLoop(ctx)

	if b.cfg.Dashboard.Enabled {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.dashboard.ServeHTTP(ctx, b.cfg.Dashboard.Address); err != nil {
				b.log.Error().Err(err).Msg("dashboard server error")
			}
		}()
	}

	for _, name := range b.channelNames() {
		addr := b.cfg.ChannelURL(b.cfg.Channels[name])
		if err := manager.Open(name, addr); err != nil {
			b.log.Warn().Err(err).Str("channel", name).Msg("initial connect failed, retrying in background")
		}
	}

	b.log.Info().Str("backend", b.cfg.Backend.URL).Str("session_id", b.sessionID).Msg("bridge started")
	return nil
}

// Stop closes every channel and waits for background work to finish.
// Calling Stop on a bridge that never started only releases timers.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	cancel, manager := b.cancel, b.manager
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if manager != nil {
		manager.CloseAll()
		manager.Wait()
	}
	b.wg.Wait()
	b.tracker.Close()
	b.router.Reset()
	b.log.Info().Msg("bridge stopped")
	return nil
}

func (b *Bridge) channelNames() []string {
	names := make([]string, 0, len(b.cfg.Channels))
	for name := range b.cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ─── inbound events ───

// enqueue runs on a read pump. It blocks while the inbox is full so that
// frames from one channel keep their order.
func (b *Bridge) enqueue(channel string, data []byte) {
	select {
	case b.inbox <- frame{channel: channel, data: data}:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.inbox:
			b.router.Dispatch(f.channel, f.data)
		}
	}
}

func (b *Bridge) subscribeBuiltins() {
	b.router.SubscribeFunc(model.EventAnalysisProgress, func(_ string, env *model.Envelope) error {
		ev, err := env.Event()
		if err != nil {
			return err
		}
		b.tracker.Apply(ev.(*model.AnalysisProgress), model.SourcePush)
		return nil
	})

	b.router.SubscribeFunc(model.EventSessionClosed, func(string, *model.Envelope) error {
		b.log.Info().Msg("session closed, clearing tasks")
		b.tracker.Reset()
		return nil
	})

	b.router.SubscribeFunc(model.EventCommandOutput, func(_ string, env *model.Envelope) error {
		if !b.cfg.Analysis.AutoAnalyze {
			return nil
		}
		ev, err := env.Event()
		if err != nil {
			return err
		}
		out := ev.(*model.CommandOutput)
		if !out.Success || !out.Mode.Analysed() || out.Output == "" {
			return nil
		}
		b.autoAnalyze(out)
		return nil
	})
}

func (b *Bridge) autoAnalyze(out *model.CommandOutput) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		actx, cancel := context.WithTimeout(ctx, autoAnalyzeTimeout)
		defer cancel()

		resp, err := b.dispatcher.SubmitAnalysis(actx, model.AnalyzeAsyncRequest{
			RawOutput: out.Output,
			Command:   out.Command,
			UseCache:  b.cfg.Analysis.UseCache,
			Streaming: b.cfg.Analysis.Streaming,
		})
		if err != nil {
			b.log.Warn().Err(err).Str("command", out.Command).Msg("auto analysis failed")
			return
		}
		b.log.Debug().Str("task_id", resp.TaskID).Str("command", out.Command).Msg("auto analysis started")
	}()
}

func (b *Bridge) onTaskChange(c tracker.Change) {
	if c.Previous == "" {
		b.dashboard.RecordTaskSubmitted()
	}
	if c.Transitioned() && c.Record.Status.Terminal() {
		b.dashboard.RecordTaskFinished(c.Record.Status)
		b.log.Info().
			Str("task_id", c.TaskID).
			Str("status", string(c.Record.Status)).
			Str("source", string(c.Source)).
			Msg("task finished")
	}
}

// ─── connectivity ───

func (b *Bridge) onStatus(name string, s ws.Status) {
	b.mu.Lock()
	if s == ws.StatusConnected {
		delete(b.degraded, name)
	}
	b.mu.Unlock()

	b.dashboard.UpdateConnectionStatus(name, string(s))
	b.notifyConnectivity(ConnectivityEvent{Channel: name, Status: s})
}

func (b *Bridge) onDegraded(err *ws.TransportError) {
	b.mu.Lock()
	b.degraded[err.Name] = err
	b.mu.Unlock()

	b.dashboard.RecordDegraded(err.Name, err)
	b.notifyConnectivity(ConnectivityEvent{
		Channel:  err.Name,
		Status:   ws.StatusDisconnected,
		Degraded: true,
		Err:      err,
	})

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) notifyConnectivity(ev ConnectivityEvent) {
	b.mu.Lock()
	ls := append([]connListener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("channel", ev.Channel).Msg("connectivity listener panicked")
				}
			}()
			l.fn(ev)
		}()
	}
}

// Degraded reports whether any channel has given up reconnecting.
func (b *Bridge) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.degraded) > 0
}

// ─── fallback poller ───

// pollLoop polls every active task while a channel is degraded, or always
// when the poller is enabled, and prunes finished tasks.
func (b *Bridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	limiter := rate.NewLimiter(rate.Limit(b.cfg.Poller.Rate), b.cfg.Poller.Burst)
	ticker := time.NewTicker(b.cfg.Poller.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}

		if b.cfg.Tracker.Retention > 0 {
			if n := b.tracker.Prune(b.cfg.Tracker.Retention); n > 0 {
				b.log.Debug().Int("pruned", n).Msg("pruned finished tasks")
			}
		}
		if !b.cfg.Poller.Enabled && !b.Degraded() {
			continue
		}
		b.sweep(ctx, limiter)
	}
}

func (b *Bridge) sweep(ctx context.Context, limiter *rate.Limiter) {
	for _, id := range b.tracker.Active() {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := b.dispatcher.Poll(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Debug().Err(err).Str("task_id", id).Msg("fallback poll failed")
		}
	}
}

// ─── UI surface ───

// SessionID identifies this bridge instance.
func (b *Bridge) SessionID() string { return b.sessionID }

// Subscribe registers h for events of type t on every channel.
func (b *Bridge) Subscribe(t model.EventType, h router.Handler) router.Subscription {
	return b.router.Subscribe(t, h)
}

// SubscribeFunc registers fn for events of type t.
func (b *Bridge) SubscribeFunc(t model.EventType, fn func(channel string, env *model.Envelope) error) router.Subscription {
	return b.router.SubscribeFunc(t, fn)
}

// Unsubscribe removes h from the subscribers of t.
func (b *Bridge) Unsubscribe(t model.EventType, h router.Handler) {
	b.router.Unsubscribe(t, h)
}

// Release removes the subscription returned by Subscribe or SubscribeFunc.
func (b *Bridge) Release(s router.Subscription) {
	b.router.Cancel(s)
}

// OnTaskStateChanged registers fn for every emitted task change.
func (b *Bridge) OnTaskStateChanged(fn func(tracker.Change)) func() {
	return b.tracker.OnChange(fn)
}

// OnCleared registers fn for tasks removed from view after completion.
func (b *Bridge) OnCleared(fn func(taskID string)) func() {
	return b.tracker.OnCleared(fn)
}

// OnConnectivity registers fn for channel status changes.
func (b *Bridge) OnConnectivity(fn func(ConnectivityEvent)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, connListener{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Submit runs one submit operation through the dispatcher.
func (b *Bridge) Submit(ctx context.Context, r dispatch.Request) (*dispatch.Submission, error) {
	return b.dispatcher.Submit(ctx, r)
}

// SubmitCommand executes a debugger command.
func (b *Bridge) SubmitCommand(ctx context.Context, command string, mode model.OutputMode) (*model.CommandResult, error) {
	return b.dispatcher.SubmitCommand(ctx, command, mode)
}

// SubmitNatural executes a natural language request.
func (b *Bridge) SubmitNatural(ctx context.Context, input string, mode model.OutputMode) (*model.CommandResult, error) {
	return b.dispatcher.SubmitNatural(ctx, input, mode)
}

// SubmitAnalysis starts an analysis task and tracks it.
func (b *Bridge) SubmitAnalysis(ctx context.Context, r model.AnalyzeAsyncRequest) (*model.AnalyzeAsyncResponse, error) {
	return b.dispatcher.SubmitAnalysis(ctx, r)
}

// CancelTask requests cancellation and returns the backend's acknowledgement.
func (b *Bridge) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return b.dispatcher.Cancel(ctx, taskID)
}

// Poll fetches and applies the current state of taskID.
func (b *Bridge) Poll(ctx context.Context, taskID string) (model.TaskRecord, error) {
	return b.dispatcher.Poll(ctx, taskID)
}

// Task returns the tracked record of taskID.
func (b *Bridge) Task(taskID string) (model.TaskRecord, bool) {
	return b.tracker.Get(taskID)
}

// Tasks returns every tracked record.
func (b *Bridge) Tasks() []model.TaskRecord {
	return b.tracker.List()
}

// Status returns the state of every channel.
func (b *Bridge) Status() []ws.Info {
	b.mu.Lock()
	manager := b.manager
	b.mu.Unlock()
	if manager == nil {
		return nil
	}
	return manager.Snapshot()
}

// Reconnect re-dials every channel with a fresh attempt budget.
func (b *Bridge) Reconnect() error {
	b.mu.Lock()
	manager := b.manager
	b.mu.Unlock()
	if manager == nil {
		return ErrNotStarted
	}

	var errs []error
	for _, name := range b.channelNames() {
		if err := manager.Reconnect(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher returns the command dispatcher.
func (b *Bridge) Dispatcher() *dispatch.Dispatcher { return b.dispatcher }

// Client returns the REST client.
func (b *Bridge) Client() *dispatch.Client { return b.client }

// Tracker returns the task tracker.
func (b *Bridge) Tracker() *tracker.Tracker { return b.tracker }

// Dashboard returns the status dashboard.
func (b *Bridge) Dashboard() *dashboard.Dashboard { return b.dashboard }
