// Package router demultiplexes inbound websocket frames by event type.
//
// Subscriptions are keyed by event type only: a handler sees matching events
// from every named connection. The delivering connection's name is passed to
// the handler for callers that want to scope themselves.
package router

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ylhao666/AI-WinDBG/internal/log"
	"github.com/ylhao666/AI-WinDBG/internal/metrics"
	"github.com/ylhao666/AI-WinDBG/internal/model"
)

// Handler receives one routed event.
type Handler interface {
	HandleEvent(channel string, env *model.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(channel string, env *model.Envelope) error

func (f HandlerFunc) HandleEvent(channel string, env *model.Envelope) error {
	return f(channel, env)
}

// Subscription identifies one registered handler.
type Subscription struct {
	id        uint64
	eventType model.EventType
}

// EventType returns the type the subscription listens to.
func (s Subscription) EventType() model.EventType { return s.eventType }

type entry struct {
	id      uint64
	handler Handler
}

// Router holds the per-type subscriber sets. The zero value is not usable;
// create one with New and keep it for the lifetime of a session.
type Router struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	nextID uint64
	subs   map[model.EventType][]entry
}

// New creates an empty router.
func New(logger *zerolog.Logger, m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.Discard()
	}
	return &Router{
		log:     log.OrComponent(logger, "router"),
		metrics: m,
		subs:    make(map[model.EventType][]entry),
	}
}

// Subscribe registers h for t. Registering the same handler value for the
// same type again returns the existing subscription.
func (r *Router) Subscribe(t model.EventType, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.subs[t] {
		if sameHandler(e.handler, h) {
			return Subscription{id: e.id, eventType: t}
		}
	}
	r.nextID++
	r.subs[t] = append(r.subs[t], entry{id: r.nextID, handler: h})
	return Subscription{id: r.nextID, eventType: t}
}

// SubscribeFunc is Subscribe for plain functions. Functions are not
// comparable, so every call creates a new subscription; keep the returned
// token to remove it.
func (r *Router) SubscribeFunc(t model.EventType, fn func(channel string, env *model.Envelope) error) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.subs[t] = append(r.subs[t], entry{id: r.nextID, handler: HandlerFunc(fn)})
	return Subscription{id: r.nextID, eventType: t}
}

// Unsubscribe removes h from t. Unknown handlers are ignored.
func (r *Router) Unsubscribe(t model.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(t, func(e entry) bool { return sameHandler(e.handler, h) })
}

// Cancel removes the subscription identified by s.
func (r *Router) Cancel(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(s.eventType, func(e entry) bool { return e.id == s.id })
}

func (r *Router) remove(t model.EventType, match func(entry) bool) {
	entries := r.subs[t]
	for i, e := range entries {
		if match(e) {
			// Copy so snapshots taken by an in-progress dispatch stay intact.
			next := make([]entry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, t)
			} else {
				r.subs[t] = next
			}
			return
		}
	}
}

// Len returns the number of handlers subscribed to t.
func (r *Router) Len(t model.EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[t])
}

// Reset drops every subscription.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[model.EventType][]entry)
}

// Dispatch parses a raw frame and delivers it. Malformed frames are logged
// and dropped; nothing is returned to the transport.
func (r *Router) Dispatch(channel string, data []byte) {
	env, err := model.ParseEnvelope(data)
	if err != nil {
		r.log.Warn().Err(err).Str("channel", channel).Int("bytes", len(data)).Msg("dropping malformed frame")
		r.metrics.RouterEvents.WithLabelValues("", metrics.OutcomeMalformed).Inc()
		return
	}
	r.Deliver(channel, env)
}

// Deliver invokes every handler subscribed to env.Type in subscription
// order. It returns the number of handlers that ran without error.
func (r *Router) Deliver(channel string, env *model.Envelope) int {
	r.mu.RLock()
	handlers := r.subs[env.Type]
	r.mu.RUnlock()

	typeLabel := string(env.Type)
	if !env.Type.Known() {
		typeLabel = "unknown"
	}

	if len(handlers) == 0 {
		r.log.Debug().Str("channel", channel).Str("type", string(env.Type)).Msg("no subscribers")
		r.metrics.RouterEvents.WithLabelValues(typeLabel, metrics.OutcomeUnrouted).Inc()
		return 0
	}

	ok := 0
	for _, e := range handlers {
		if err := r.invoke(channel, env, e.handler); err != nil {
			r.log.Warn().Err(err).Str("channel", channel).Str("type", string(env.Type)).Msg("handler failed")
			continue
		}
		ok++
	}
	r.metrics.RouterEvents.WithLabelValues(typeLabel, metrics.OutcomeDelivered).Inc()
	return ok
}

func (r *Router) invoke(channel string, env *model.Envelope, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.RouterEvents.WithLabelValues(string(env.Type), metrics.OutcomePanicked).Inc()
			r.log.Error().Str("stack", string(debug.Stack())).Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.HandleEvent(channel, env)
}

// sameHandler compares handlers that are comparable values (typically
// pointers). Func-typed handlers are never equal to anything.
func sameHandler(a, b Handler) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
