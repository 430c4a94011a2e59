package bridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ylhao666/AI-WinDBG/internal/config"
	"github.com/ylhao666/AI-WinDBG/internal/fakebackend"
	"github.com/ylhao666/AI-WinDBG/internal/metrics"
	"github.com/ylhao666/AI-WinDBG/internal/model"
	"github.com/ylhao666/AI-WinDBG/internal/tracker"
	"github.com/ylhao666/AI-WinDBG/internal/ws"
)

const waitFor = 3 * time.Second

type fixture struct {
	backend *fakebackend.Backend
	srv     *httptest.Server
	bridge  *Bridge
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	nop := zerolog.Nop()

	backend := fakebackend.New(fakebackend.Options{Logger: &nop})
	srv := httptest.NewServer(backend.Handler())

	cfg := config.Default()
	cfg.Backend.URL = srv.URL
	cfg.Backend.PollTimeout = time.Second
	cfg.Reconnect.Delay = 20 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 2
	cfg.Tracker.DisplayGrace = -1
	cfg.Poller.Interval = 20 * time.Millisecond
	cfg.Poller.Rate = 100
	cfg.Poller.Burst = 10
	cfg.History.Enabled = false
	if tweak != nil {
		tweak(cfg)
	}

	m := metrics.New()
	b, err := New(Options{Config: cfg, Logger: &nop, Metrics: m, HTTPClient: srv.Client()})
	require.NoError(t, err)

	t.Cleanup(func() {
		b.Stop()
		backend.Close()
		srv.Close()
	})
	return &fixture{backend: backend, srv: srv, bridge: b, metrics: m}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bridge.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.backend.Connections(fakebackend.ChannelOutput) == 1 &&
			f.backend.Connections(fakebackend.ChannelSession) == 1
	}, waitFor, 5*time.Millisecond)
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()
	resp, err := f.bridge.SubmitAnalysis(context.Background(), model.AnalyzeAsyncRequest{
		RawOutput: "0:000> k\n00 ntdll!KiUserExceptionDispatcher",
		Command:   "k",
	})
	require.NoError(t, err)
	return resp.TaskID
}

func (f *fixture) waitStatus(t *testing.T, taskID string, want model.TaskStatus) model.TaskRecord {
	t.Helper()
	var rec model.TaskRecord
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = f.bridge.Task(taskID)
		return ok && rec.Status == want
	}, waitFor, 5*time.Millisecond)
	return rec
}

func commandOutput(command string) map[string]any {
	return map[string]any{
		"type":    model.EventCommandOutput,
		"command": command,
		"output":  "0:000> " + command,
		"success": true,
		"mode":    model.ModeRaw,
	}
}

func TestPushedProgressDrivesTask(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	var mu sync.Mutex
	var seen []model.TaskStatus
	f.bridge.OnTaskStateChanged(func(c tracker.Change) {
		mu.Lock()
		seen = append(seen, c.Record.Status)
		mu.Unlock()
	})

	id := f.submit(t)
	rec, ok := f.bridge.Task(id)
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusPending, rec.Status)

	f.backend.Progress(model.AnalysisProgress{TaskID: id, Status: model.TaskStatusRunning, Progress: 30, Message: "reading stack"})
	f.backend.Progress(model.AnalysisProgress{TaskID: id, Status: model.TaskStatusCompleted, Progress: 100, Result: fakebackend.SampleReport()})

	rec = f.waitStatus(t, id, model.TaskStatusCompleted)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, model.SourcePush, rec.Source)
	report, err := rec.Report()
	require.NoError(t, err)
	assert.NotNil(t, report)

	mu.Lock()
	assert.Equal(t, []model.TaskStatus{model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusCompleted}, seen)
	mu.Unlock()

	stats := f.bridge.Dashboard().GetStats()
	assert.Equal(t, 1, stats.TasksSubmitted)
	assert.Equal(t, 1, stats.TasksCompleted)
	assert.Equal(t, 0, stats.ActiveTasks)
	assert.Equal(t, "connected", stats.Channels[fakebackend.ChannelOutput].Status)
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	f := newFixture(t, nil)

	var connects atomic.Int32
	f.bridge.OnConnectivity(func(ev ConnectivityEvent) {
		if ev.Channel == fakebackend.ChannelOutput && ev.Status == ws.StatusConnected {
			connects.Add(1)
		}
	})
	var received atomic.Int32
	f.bridge.SubscribeFunc(model.EventCommandOutput, func(channel string, env *model.Envelope) error {
		assert.Equal(t, fakebackend.ChannelOutput, channel)
		received.Add(1)
		return nil
	})

	f.start(t)
	f.backend.DropConnections()

	require.Eventually(t, func() bool { return connects.Load() >= 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		f.backend.Broadcast(fakebackend.ChannelOutput, commandOutput("lm"))
		return received.Load() > 0
	}, waitFor, 20*time.Millisecond)
}

func TestDegradedChannelFallsBackToPolling(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	degraded := make(chan ConnectivityEvent, 4)
	f.bridge.OnConnectivity(func(ev ConnectivityEvent) {
		if ev.Degraded {
			select {
			case degraded <- ev:
			default:
			}
		}
	})

	id := f.submit(t)

	f.backend.RejectWebsockets(true)
	f.backend.DropConnections()

	select {
	case ev := <-degraded:
		assert.True(t, errors.Is(ev.Err, ws.ErrReconnectExhausted))
		assert.Equal(t, ws.StatusDisconnected, ev.Status)
	case <-time.After(waitFor):
		t.Fatal("no degraded event")
	}
	assert.True(t, f.bridge.Degraded())
	assert.True(t, f.bridge.Dashboard().GetStats().Channels[fakebackend.ChannelOutput].Degraded)

	// The push for this update is lost; only the poller can see it.
	f.backend.SetTask(model.AnalysisProgress{TaskID: id, Status: model.TaskStatusCompleted, Progress: 100, Result: fakebackend.SampleReport()})

	rec := f.waitStatus(t, id, model.TaskStatusCompleted)
	assert.Equal(t, model.SourcePoll, rec.Source)
	assert.Empty(t, f.bridge.Tracker().Active())

	f.backend.RejectWebsockets(false)
	require.NoError(t, f.bridge.Reconnect())
	assert.False(t, f.bridge.Degraded())
	for _, info := range f.bridge.Status() {
		assert.Equal(t, ws.StatusConnected, info.Status, info.Name)
	}
}

func TestHealthyChannelsDoNotPoll(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	id := f.submit(t)
	f.backend.SetTask(model.AnalysisProgress{TaskID: id, Status: model.TaskStatusRunning, Progress: 50})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.backend.Requests(fakebackend.RouteTask))
	rec, _ := f.bridge.Task(id)
	assert.Equal(t, model.TaskStatusPending, rec.Status)
}

func TestEnabledPollerPollsActiveTasks(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Poller.Enabled = true })
	f.start(t)

	id := f.submit(t)
	f.backend.SetTask(model.AnalysisProgress{TaskID: id, Status: model.TaskStatusRunning, Progress: 50, Message: "walking frames"})

	rec := f.waitStatus(t, id, model.TaskStatusRunning)
	assert.Equal(t, 50, rec.Progress)
	assert.Equal(t, model.SourcePoll, rec.Source)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	var received atomic.Int32
	f.bridge.SubscribeFunc(model.EventCommandOutput, func(string, *model.Envelope) error {
		received.Add(1)
		return nil
	})

	f.backend.BroadcastRaw(fakebackend.ChannelOutput, []byte("{not json"))
	f.backend.BroadcastRaw(fakebackend.ChannelOutput, []byte(`{"command":"k"}`))
	f.backend.Broadcast(fakebackend.ChannelOutput, commandOutput("k"))

	require.Eventually(t, func() bool { return received.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RouterEvents.WithLabelValues("", metrics.OutcomeMalformed)))
	assert.Equal(t, ws.StatusConnected, f.bridge.Status()[0].Status)
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	var received atomic.Int32
	f.bridge.SubscribeFunc(model.EventCommandOutput, func(string, *model.Envelope) error {
		panic("boom")
	})
	sub := f.bridge.SubscribeFunc(model.EventCommandOutput, func(string, *model.Envelope) error {
		return errors.New("handler failed")
	})
	f.bridge.SubscribeFunc(model.EventCommandOutput, func(string, *model.Envelope) error {
		received.Add(1)
		return nil
	})

	f.backend.Broadcast(fakebackend.ChannelOutput, commandOutput("r"))
	require.Eventually(t, func() bool { return received.Load() == 1 }, waitFor, 5*time.Millisecond)

	f.bridge.Release(sub)
	f.backend.Broadcast(fakebackend.ChannelOutput, commandOutput("r"))
	require.Eventually(t, func() bool { return received.Load() == 2 }, waitFor, 5*time.Millisecond)
}

func TestSessionClosedClearsTasks(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.submit(t)
	f.submit(t)
	require.Len(t, f.bridge.Tasks(), 2)

	_, err := f.bridge.Client().CloseSession(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.bridge.Tasks()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestAutoAnalyze(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Analysis.AutoAnalyze = true })
	f.start(t)

	_, err := f.bridge.SubmitCommand(context.Background(), "k", model.ModeRaw)
	require.NoError(t, err)
	_, err = f.bridge.SubmitCommand(context.Background(), "k", model.ModeSmart)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.bridge.Tasks()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, f.backend.Requests(fakebackend.RouteAnalyze))
}

func TestCancelIsAckOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	id := f.submit(t)
	ok, err := f.bridge.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	// The backend pushes the cancelled state itself.
	rec := f.waitStatus(t, id, model.TaskStatusCancelled)
	assert.Equal(t, model.SourcePush, rec.Source)

	ok, err = f.bridge.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLifecycle(t *testing.T) {
	leaks := goleak.IgnoreCurrent()

	nop := zerolog.Nop()
	backend := fakebackend.New(fakebackend.Options{Logger: &nop})
	srv := httptest.NewServer(backend.Handler())

	cfg := config.Default()
	cfg.Backend.URL = srv.URL
	cfg.Tracker.DisplayGrace = -1
	cfg.Poller.Interval = 10 * time.Millisecond
	b, err := New(Options{Config: cfg, Logger: &nop, HTTPClient: srv.Client()})
	require.NoError(t, err)

	assert.ErrorIs(t, b.Reconnect(), ErrNotStarted)
	assert.Nil(t, b.Status())
	assert.NotEmpty(t, b.SessionID())

	var events atomic.Int32
	b.OnConnectivity(func(ConnectivityEvent) { panic("listener bug") })
	unsubscribe := b.OnConnectivity(func(ConnectivityEvent) { events.Add(1) })

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)
	require.Eventually(t, func() bool {
		st := b.Status()
		return len(st) == 2 && st[0].Status == ws.StatusConnected && st[1].Status == ws.StatusConnected
	}, waitFor, 5*time.Millisecond)
	assert.Positive(t, events.Load())

	unsubscribe()
	before := events.Load()
	require.NoError(t, b.Stop())
	assert.Equal(t, before, events.Load())

	backend.Close()
	srv.Close()
	goleak.VerifyNone(t, leaks)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.URL = "ftp://backend"
	_, err := New(Options{Config: cfg})
	assert.Error(t, err)

	_, err = New(Options{})
	assert.Error(t, err)
}
