// Package metrics holds the Prometheus collectors for sessions, tabs and the
// UI transport. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TabsOpen        prometheus.Gauge
	SessionsSpawned prometheus.Counter
	SpawnFailures   prometheus.Counter
	WritesDropped   prometheus.Counter
	Resizes         *prometheus.CounterVec
	StaleResponses  prometheus.Counter
	WSConnections   prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TabsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fterm_tabs_open",
			Help: "Number of tabs currently registered",
		}),
		SessionsSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "fterm_sessions_spawned_total",
			Help: "Sessions that reached the ready state",
		}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fterm_spawn_failures_total",
			Help: "Spawn requests rejected by the backend",
		}),
		WritesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fterm_writes_dropped_total",
			Help: "Input writes dropped because the session was not ready",
		}),
		Resizes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fterm_resizes_total",
			Help: "Resize requests sent to the backend",
		}, []string{"result"}),
		StaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "fterm_stale_responses_total",
			Help: "Backend responses discarded because the session was already closing",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fterm_ws_connections",
			Help: "Connected websocket clients",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetTabsOpen(n int) {
	if m == nil {
		return
	}
	m.TabsOpen.Set(float64(n))
}

func (m *Metrics) SessionSpawned() {
	if m == nil {
		return
	}
	m.SessionsSpawned.Inc()
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
}

func (m *Metrics) WriteDropped() {
	if m == nil {
		return
	}
	m.WritesDropped.Inc()
}

// ResizeSent records a resize outcome; result is "ok" or "error".
func (m *Metrics) ResizeSent(result string) {
	if m == nil {
		return
	}
	m.Resizes.WithLabelValues(result).Inc()
}

func (m *Metrics) StaleResponse() {
	if m == nil {
		return
	}
	m.StaleResponses.Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
