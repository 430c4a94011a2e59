package fakebackend

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Send buffer size
	sendBufSize = 256
)

// hub maintains the clients of one websocket channel.
type hub struct {
	name string
	log  zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(name string, logger zerolog.Logger) *hub {
	return &hub{
		name:    name,
		log:     logger.With().Str("channel", name).Logger(),
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("total", n).Msg("client connected")
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("total", n).Msg("client disconnected")
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends v to every client and returns how many accepted it.
func (h *hub) broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal broadcast")
		return 0
	}
	return h.broadcastRaw(data)
}

func (h *hub) broadcastRaw(data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.clients {
		select {
		case c.send <- data:
			n++
		default:
			h.log.Warn().Msg("send buffer full, dropping")
		}
	}
	return n
}

// dropAll closes every transport without a close handshake, as a crashed
// backend would.
func (h *hub) dropAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

// client is one websocket connection to a channel.
type client struct {
	conn *websocket.Conn
	hub  *hub
	send chan []byte
}

func newClient(conn *websocket.Conn, h *hub) *client {
	return &client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendBufSize),
	}
}

// run starts the read and write pumps. Blocks until the connection closes.
func (c *client) run() {
	c.hub.register(c)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	c.hub.unregister(c)
	close(c.send)
	<-done
}

// readPump discards inbound frames; it only detects closure.
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends one frame per message so every frame is a single JSON
// object.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
