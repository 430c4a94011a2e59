// Package ws maintains named, self-healing websocket channels to the backend.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/metrics"
)

// FrameHandler receives every inbound frame together with the name of the
// connection that delivered it. It runs on the connection's read goroutine
// and must not block.
type FrameHandler func(name string, data []byte)

// Options configures a Manager.
type Options struct {
	ReconnectDelay time.Duration // fixed delay between attempts (default 3s)
	MaxAttempts    int           // reconnect attempts before giving up (default 5)
	DialTimeout    time.Duration // per-dial timeout (default 10s)
	Dialer         *websocket.Dialer
	Header         http.Header

	OnFrame    FrameHandler
	OnStatus   func(name string, status Status)
	OnDegraded func(err *TransportError)

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

// Manager owns every named connection. Connections are created on first
// use of a name and live until Close or until the parent context ends.
type Manager struct {
	opts      Options
	parentCtx context.Context
	log       zerolog.Logger
	metrics   *metrics.Metrics
	wg        sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a Manager. Cancelling ctx stops all reconnection.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	} else if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = defaultDialer()
	}
	m := &Manager{
		opts:      opts,
		parentCtx: ctx,
		log:       log.OrComponent(opts.Logger, "ws"),
		metrics:   opts.Metrics,
		conns:     make(map[string]*Conn),
	}
	if m.metrics == nil {
		m.metrics = metrics.Discard()
	}
	return m
}

// Open connects name to address. It is a no-op when name is already
// connected or a connect/reconnect for it is in flight. Asking for a
// different address while name is live fails with ErrAddressInUse; Close it
// first. A failed dial is returned and also retried in the background.
func (m *Manager) Open(name, address string) error {
	if name == "" {
		return fmt.Errorf("connection name is required")
	}
	if m.parentCtx.Err() != nil {
		return ErrClosed
	}

	var stale *Conn
	m.mu.Lock()
	c, ok := m.conns[name]
	if ok && c.address != address {
		if !c.idle() {
			m.mu.Unlock()
			return fmt.Errorf("%w: channel %s is open on %s", ErrAddressInUse, name, c.address)
		}
		stale, ok = c, false
	}
	if !ok {
		c = newConn(m, name, address)
		m.conns[name] = c
	}
	m.mu.Unlock()

	if stale != nil {
		stale.close()
	}
	return c.open()
}

// Close stops reconnection for name and releases its transport.
// Closing an unknown or already closed name is a no-op.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	c, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return c.close()
}

// CloseAll closes every connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Wait blocks until every pump and reconnect goroutine has exited.
// Call it after CloseAll or after cancelling the parent context.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Reconnect drops the current transport of name and dials again with a
// fresh attempt counter.
func (m *Manager) Reconnect(name string) error {
	m.mu.Lock()
	c, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection %q", name)
	}

	c.close()
	time.Sleep(100 * time.Millisecond)
	return c.open()
}

// Send marshals v as JSON and queues it on name's write pump.
func (m *Manager) Send(name string, v any) error {
	m.mu.Lock()
	c, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return c.sendJSON(v)
}

// Status returns the status of name, or disconnected if unknown.
func (m *Manager) Status(name string) Status {
	m.mu.Lock()
	c, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return StatusDisconnected
	}
	return c.Info().Status
}

// Snapshot returns every connection's state, sorted by name.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) deliver(name string, data []byte) {
	if m.opts.OnFrame != nil {
		m.opts.OnFrame(name, data)
	}
}

func (m *Manager) notifyStatus(name string, s Status) {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(name, s)
	}
}

func (m *Manager) notifyDegraded(err *TransportError) {
	if m.opts.OnDegraded != nil {
		m.opts.OnDegraded(err)
	}
}
