// Package metrics provides Prometheus collectors for the bridge.
//
// Collectors live on a per-bridge registry instead of the default one so
// that several bridges (and tests) never share counters.
// No task or request identifiers are used as labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeUnrouted  = "unrouted"
	OutcomeMalformed = "malformed"
	OutcomePanicked  = "panicked"
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
)

// Metrics groups every collector the bridge updates.
type Metrics struct {
	Registry *prometheus.Registry

	ReconnectAttempts *prometheus.CounterVec
	ReconnectGiveUps  *prometheus.CounterVec
	Connected         *prometheus.GaugeVec
	RouterEvents      *prometheus.CounterVec
	TaskTransitions   *prometheus.CounterVec
	StaleUpdates      *prometheus.CounterVec
	TrackedTasks      prometheus.Gauge
	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ws_reconnect_attempts_total",
			Help: "Total number of websocket reconnect attempts, by channel.",
		}, []string{"channel"}),
		ReconnectGiveUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ws_reconnect_exhausted_total",
			Help: "Total number of times a channel gave up after the attempt cap, by channel.",
		}, []string{"channel"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_ws_connected",
			Help: "1 when the channel is connected, 0 otherwise.",
		}, []string{"channel"}),
		RouterEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_router_events_total",
			Help: "Total number of inbound frames, by event type and outcome.",
		}, []string{"type", "outcome"}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_tracker_transitions_total",
			Help: "Total number of emitted task state changes, by target status.",
		}, []string{"to"}),
		StaleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_tracker_stale_total",
			Help: "Total number of dropped stale or duplicate task updates, by source.",
		}, []string{"source"}),
		TrackedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_tracker_tasks",
			Help: "Number of task records currently held by the tracker.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_dispatch_requests_total",
			Help: "Total number of backend REST calls, by operation and outcome.",
		}, []string{"op", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_dispatch_request_duration_seconds",
			Help:    "Backend REST call latency, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	m.Registry.MustRegister(
		m.ReconnectAttempts,
		m.ReconnectGiveUps,
		m.Connected,
		m.RouterEvents,
		m.TaskTransitions,
		m.StaleUpdates,
		m.TrackedTasks,
		m.Requests,
		m.RequestDuration,
	)
	return m
}

// Discard returns collectors registered on a private registry nobody scrapes.
func Discard() *Metrics {
	return New()
}
