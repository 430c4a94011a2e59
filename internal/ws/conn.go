package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // 4 MB, analysis results can be large
	sendBufferSize = 64

	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxAttempts    = 5
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrClosed             = errors.New("connection closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAddressInUse       = errors.New("channel already open on another address")
)

// Status is the lifecycle state of one named connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// TransportError is reported once a connection stops retrying.
type TransportError struct {
	Name     string
	Address  string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel %s (%s): gave up after %d attempts: %v", e.Name, e.Address, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrReconnectExhausted, e.Err}
}

// Info is a point-in-time view of a connection.
type Info struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Conn owns one physical websocket for one logical name and re-creates it
// after unexpected closure.
type Conn struct {
	name    string
	address string
	m       *Manager
	log     zerolog.Logger

	mu            sync.Mutex
	status        Status
	conn          *websocket.Conn
	send          chan []byte
	connCancel    context.CancelFunc
	stopReconnect context.CancelFunc // cancels the running reconnectLoop
	attempts      int
	lastErr       error
	closed        bool
	gen           uint64 // bumped by open and close; stale dials check it
}

func newConn(m *Manager, name, address string) *Conn {
	return &Conn{
		name:    name,
		address: address,
		m:       m,
		log:     m.log.With().Str("channel", name).Logger(),
		status:  StatusDisconnected,
	}
}

// Info returns the connection's current state.
func (c *Conn) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		Name:     c.name,
		Address:  c.address,
		Status:   c.status,
		Attempts: c.attempts,
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}

// idle reports whether nothing is connected or trying to connect.
func (c *Conn) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusDisconnected && c.stopReconnect == nil
}

// open starts a connection unless one is already connected or in flight.
// A failed initial dial still schedules reconnection.
func (c *Conn) open() error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting || c.stopReconnect != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.attempts = 0
	c.status = StatusConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.m.notifyStatus(c.name, StatusConnecting)

	if err := c.dial(c.m.parentCtx, gen, true); err != nil {
		c.log.Warn().Err(err).Str("address", c.address).Msg("connect failed")
		return err
	}
	return nil
}

// dial establishes the transport and starts the pumps. ctx bounds the
// handshake; gen is the generation the caller dials for, and a result that
// arrives after close or a newer open is discarded. On failure the status is
// left disconnected and, when retry is set, the reconnect loop is started in
// the same critical section so a concurrent open cannot slip in.
func (c *Conn) dial(ctx context.Context, gen uint64, retry bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.m.opts.DialTimeout)
	defer cancel()

	conn, _, err := c.m.opts.Dialer.DialContext(ctx, c.address, c.m.opts.Header.Clone())

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.lastErr = err
		c.status = StatusDisconnected
		var loopCtx context.Context
		if retry {
			loopCtx = c.startReconnectLocked()
		}
		c.mu.Unlock()
		c.m.notifyStatus(c.name, StatusDisconnected)
		if loopCtx != nil {
			c.runReconnect(loopCtx, gen)
		}
		return fmt.Errorf("dial %s: %w", c.address, err)
	}
	if c.m.parentCtx.Err() != nil {
		c.status = StatusDisconnected
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}

	parent := c.m.parentCtx
	connCtx, connCancel := context.WithCancel(parent)
	send := make(chan []byte, sendBufferSize)

	// Stop the reconnect loop that may have called us before publishing new state
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	c.conn = conn
	c.send = send
	c.connCancel = connCancel
	c.status = StatusConnected
	c.attempts = 0
	c.lastErr = nil
	c.m.wg.Add(2)
	c.mu.Unlock()

	c.log.Info().Str("address", c.address).Msg("connected")
	c.m.metrics.Connected.WithLabelValues(c.name).Set(1)
	c.m.notifyStatus(c.name, StatusConnected)

	// Each connection gets its own disconnect handler, fired at most once.
	var once sync.Once
	onDisconnect := func() {
		once.Do(func() {
			connCancel()
			conn.Close()

			c.mu.Lock()
			isCurrentConn := c.conn == conn
			if isCurrentConn {
				c.status = StatusDisconnected
				c.conn = nil
				c.send = nil
			}
			// Only auto-reconnect if this is still the active connection
			// and nobody asked us to stop.
			shouldReconnect := isCurrentConn && !c.closed && parent.Err() == nil
			c.mu.Unlock()

			if isCurrentConn {
				c.log.Info().Msg("disconnected")
				c.m.metrics.Connected.WithLabelValues(c.name).Set(0)
				c.m.notifyStatus(c.name, StatusDisconnected)
			}
			if shouldReconnect {
				c.scheduleReconnect(gen)
			}
		})
	}

	go func() {
		defer c.m.wg.Done()
		c.readPump(conn, onDisconnect)
	}()
	go func() {
		defer c.m.wg.Done()
		c.writePump(connCtx, conn, send, onDisconnect)
	}()

	return nil
}

func (c *Conn) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	var loopCtx context.Context
	if c.gen == gen {
		loopCtx = c.startReconnectLocked()
	}
	c.mu.Unlock()
	if loopCtx != nil {
		c.runReconnect(loopCtx, gen)
	}
}

// startReconnectLocked registers a reconnect loop and returns its context,
// or nil when one is running or the connection was closed. c.mu must be held.
func (c *Conn) startReconnectLocked() context.Context {
	if c.closed || c.stopReconnect != nil || c.m.parentCtx.Err() != nil {
		return nil
	}
	loopCtx, stop := context.WithCancel(c.m.parentCtx)
	c.stopReconnect = stop
	c.m.wg.Add(1)
	return loopCtx
}

func (c *Conn) runReconnect(ctx context.Context, gen uint64) {
	go func() {
		defer c.m.wg.Done()
		c.reconnectLoop(ctx, gen)
	}()
}

// reconnectLoop redials until it succeeds, gives up, or ctx is cancelled.
// It only ever touches state belonging to generation gen.
func (c *Conn) reconnectLoop(ctx context.Context, gen uint64) {
	delay := c.m.opts.ReconnectDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.gen != gen || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.m.opts.MaxAttempts {
			attempts, lastErr := c.attempts, c.lastErr
			c.status = StatusDisconnected
			if c.stopReconnect != nil {
				c.stopReconnect()
				c.stopReconnect = nil
			}
			c.mu.Unlock()
			c.giveUp(attempts, lastErr)
			return
		}
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		c.log.Info().Int("attempt", attempts).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		timer.Reset(delay)

		c.mu.Lock()
		if c.closed || c.gen != gen || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.status = StatusConnecting
		c.mu.Unlock()
		c.m.metrics.ReconnectAttempts.WithLabelValues(c.name).Inc()
		c.m.notifyStatus(c.name, StatusConnecting)

		if err := c.dial(ctx, gen, false); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.log.Warn().Err(err).Int("attempt", attempts).Msg("reconnect failed")
			continue
		}

		c.log.Info().Int("attempt", attempts).Msg("reconnected")
		return
	}
}

func (c *Conn) giveUp(attempts int, lastErr error) {
	if lastErr == nil {
		lastErr = ErrNotConnected
	}
	terr := &TransportError{Name: c.name, Address: c.address, Attempts: attempts, Err: lastErr}
	c.log.Error().Err(lastErr).Int("attempts", attempts).Msg("giving up on channel")
	c.m.metrics.ReconnectGiveUps.WithLabelValues(c.name).Inc()
	c.m.notifyDegraded(terr)
}

// close stops reconnection and releases the transport. Safe to call repeatedly.
func (c *Conn) close() error {
	c.mu.Lock()
	c.closed = true
	c.gen++
	wasConnected := c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.send = nil
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if wasConnected {
		c.m.metrics.Connected.WithLabelValues(c.name).Set(0)
		c.m.notifyStatus(c.name, StatusDisconnected)
	}
	return err
}

func (c *Conn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	if send == nil {
		return ErrNotConnected
	}

	select {
	case send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) readPump(conn *websocket.Conn, onDisconnect func()) {
	defer onDisconnect()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.m.deliver(c.name, message)
	}
}

func (c *Conn) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, onDisconnect func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		onDisconnect()
	}()

	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func defaultDialer() *websocket.Dialer {
	d := *websocket.DefaultDialer
	d.Proxy = http.ProxyFromEnvironment
	return &d
}
