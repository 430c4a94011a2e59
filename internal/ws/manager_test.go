package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ylhao666/AI-WinDBG/internal/metrics"
)

// testServer is a websocket endpoint that can broadcast, drop every client
// and refuse new handshakes.
type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepts  atomic.Int32
	reject   atomic.Bool
	delay    time.Duration

	mu    sync.Mutex
	conns []*websocket.Conn
	wg    sync.WaitGroup
}

func newTestServer(t *testing.T, delay time.Duration) *testServer {
	t.Helper()
	ts := &testServer{delay: delay}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if ts.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if ts.delay > 0 {
		time.Sleep(ts.delay)
	}
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.accepts.Add(1)

	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.wg.Add(1)
	ts.mu.Unlock()

	defer ts.wg.Done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) broadcast(t *testing.T, msg string) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(msg))
	}
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
}

func (ts *testServer) close() {
	ts.dropAll()
	ts.srv.Close()
	ts.wg.Wait()
}

type recorder struct {
	mu       sync.Mutex
	frames   []string
	statuses []Status
	degraded []*TransportError
}

func (r *recorder) options() Options {
	nop := zerolog.Nop()
	return Options{
		ReconnectDelay: 20 * time.Millisecond,
		MaxAttempts:    3,
		DialTimeout:    time.Second,
		Logger:         &nop,
		OnFrame: func(name string, data []byte) {
			r.mu.Lock()
			r.frames = append(r.frames, name+":"+string(data))
			r.mu.Unlock()
		},
		OnStatus: func(name string, s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnDegraded: func(err *TransportError) {
			r.mu.Lock()
			r.degraded = append(r.degraded, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) lastFrame() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return ""
	}
	return r.frames[len(r.frames)-1]
}

func (r *recorder) degradedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.degraded)
}

func TestOpenDeliversFramesAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := newTestServer(t, 0)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())

	require.NoError(t, m.Open("output", ts.url()))
	require.NoError(t, m.Open("output", ts.url()))
	assert.Equal(t, StatusConnected, m.Status("output"))
	assert.Equal(t, int32(1), ts.accepts.Load())

	ts.broadcast(t, `{"type":"session_loaded"}`)
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `output:{"type":"session_loaded"}`, rec.lastFrame())

	m.CloseAll()
	m.Wait()
	ts.close()
}

func TestConcurrentOpenCreatesOneTransport(t *testing.T) {
	ts := newTestServer(t, 50*time.Millisecond)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())
	defer func() {
		m.CloseAll()
		m.Wait()
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Open("session", ts.url())
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return m.Status("session") == StatusConnected }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.accepts.Load())
}

func TestReconnectAfterDropKeepsDelivering(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := &recorder{}
	met := metrics.New()
	opts := rec.options()
	opts.Metrics = met
	m := NewManager(context.Background(), opts)
	defer func() {
		m.CloseAll()
		m.Wait()
	}()

	require.NoError(t, m.Open("output", ts.url()))
	ts.dropAll()

	require.Eventually(t, func() bool { return ts.accepts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Status("output") == StatusConnected }, time.Second, 5*time.Millisecond)

	info := m.Snapshot()
	require.Len(t, info, 1)
	assert.Equal(t, 0, info[0].Attempts, "successful reconnect resets the counter")

	ts.broadcast(t, `{"type":"analysis_progress"}`)
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ReconnectAttempts.WithLabelValues("output")))
	assert.Zero(t, rec.degradedCount())
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := &recorder{}
	met := metrics.New()
	opts := rec.options()
	opts.Metrics = met
	m := NewManager(context.Background(), opts)
	defer func() {
		m.CloseAll()
		m.Wait()
	}()

	require.NoError(t, m.Open("output", ts.url()))
	ts.reject.Store(true)
	ts.dropAll()

	require.Eventually(t, func() bool { return rec.degradedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	terr := rec.degraded[0]
	rec.mu.Unlock()
	assert.Equal(t, "output", terr.Name)
	assert.Equal(t, 3, terr.Attempts)
	assert.True(t, errors.Is(terr, ErrReconnectExhausted))

	// No further attempts once the cap is hit.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(met.ReconnectAttempts.WithLabelValues("output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ReconnectGiveUps.WithLabelValues("output")))
	assert.Equal(t, StatusDisconnected, m.Status("output"))
	assert.Equal(t, int32(1), ts.accepts.Load())

	// A later explicit Open starts over.
	ts.reject.Store(false)
	require.NoError(t, m.Open("output", ts.url()))
	assert.Equal(t, StatusConnected, m.Status("output"))
}

func TestInitialDialFailureRetries(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.reject.Store(true)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())
	defer func() {
		m.CloseAll()
		m.Wait()
	}()

	err := m.Open("output", ts.url())
	require.Error(t, err)

	ts.reject.Store(false)
	require.Eventually(t, func() bool { return m.Status("output") == StatusConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsReconnectAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := newTestServer(t, 0)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())

	require.NoError(t, m.Open("output", ts.url()))
	require.NoError(t, m.Close("output"))
	require.NoError(t, m.Close("output"))
	m.CloseAll()
	m.Wait()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), ts.accepts.Load())
	assert.Equal(t, StatusDisconnected, m.Status("output"))
	assert.ErrorIs(t, m.Send("output", map[string]string{"a": "b"}), ErrNotConnected)
	ts.close()
}

func TestParentCancelStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := newTestServer(t, 0)
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, rec.options())

	require.NoError(t, m.Open("output", ts.url()))
	cancel()
	m.Wait()

	assert.ErrorIs(t, m.Open("output", ts.url()), ErrClosed)
	m.CloseAll()
	ts.close()
}

func TestSend(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())
	defer func() {
		m.CloseAll()
		m.Wait()
	}()

	require.NoError(t, m.Open("output", ts.url()))
	assert.NoError(t, m.Send("output", map[string]string{"type": "ping"}))
	assert.ErrorIs(t, m.Send("missing", nil), ErrNotConnected)
}

func waitOrFail(t *testing.T, m *Manager) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("goroutines still running after CloseAll")
	}
}

func TestManualReconnectDuringSlowRedial(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := newTestServer(t, 300*time.Millisecond)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())

	require.NoError(t, m.Open("output", ts.url()))
	ts.dropAll()

	// The background loop is now inside a slow handshake.
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, m.Reconnect("output"))
	require.Equal(t, StatusConnected, m.Status("output"))

	// Give an abandoned handshake time to finish before counting deliveries.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, StatusConnected, m.Status("output"))

	ts.broadcast(t, `{"type":"analysis_progress"}`)
	require.Eventually(t, func() bool { return rec.frameCount() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.frameCount(), "one broadcast must arrive once")

	m.CloseAll()
	waitOrFail(t, m)
	ts.close()
}

func TestManualReconnectWhileConnected(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())
	defer func() {
		m.CloseAll()
		waitOrFail(t, m)
	}()

	require.NoError(t, m.Open("output", ts.url()))
	require.NoError(t, m.Reconnect("output"))
	assert.Equal(t, StatusConnected, m.Status("output"))
	require.Eventually(t, func() bool { return ts.accepts.Load() == 2 }, time.Second, 5*time.Millisecond)

	ts.broadcast(t, `{"type":"command_output"}`)
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.frameCount())

	assert.Error(t, m.Reconnect("missing"))
}

func TestManualReconnectResetsAttemptBudget(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := &recorder{}
	met := metrics.New()
	opts := rec.options()
	opts.Metrics = met
	m := NewManager(context.Background(), opts)
	defer func() {
		m.CloseAll()
		waitOrFail(t, m)
	}()

	require.NoError(t, m.Open("output", ts.url()))
	ts.reject.Store(true)
	ts.dropAll()
	require.Eventually(t, func() bool { return rec.degradedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, m.Snapshot()[0].Attempts)

	ts.reject.Store(false)
	require.NoError(t, m.Reconnect("output"))
	info := m.Snapshot()[0]
	assert.Equal(t, StatusConnected, info.Status)
	assert.Zero(t, info.Attempts)
	assert.Empty(t, info.LastError)

	// A second outage gets the full budget again.
	ts.reject.Store(true)
	ts.dropAll()
	require.Eventually(t, func() bool { return rec.degradedCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, 3, rec.degraded[1].Attempts)
	rec.mu.Unlock()
	assert.Equal(t, 6.0, testutil.ToFloat64(met.ReconnectAttempts.WithLabelValues("output")))
}

func TestOpenOnAnotherAddressWhileLive(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := &recorder{}
	m := NewManager(context.Background(), rec.options())
	defer func() {
		m.CloseAll()
		waitOrFail(t, m)
	}()

	require.NoError(t, m.Open("output", ts.url()+"/ws/output"))
	err := m.Open("output", ts.url()+"/ws/session")
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.Equal(t, ts.url()+"/ws/output", m.Snapshot()[0].Address)

	require.NoError(t, m.Close("output"))
	require.NoError(t, m.Open("output", ts.url()+"/ws/session"))
	assert.Equal(t, ts.url()+"/ws/session", m.Snapshot()[0].Address)
	assert.Equal(t, StatusConnected, m.Status("output"))
}
