// Package metrics exposes the relay's Prometheus collectors on a dedicated registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Metrics holds every collector the relay reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections   prometheus.Gauge
	OnlineUsers   prometheus.Gauge
	Events        *prometheus.CounterVec
	Relayed       *prometheus.CounterVec
	Dropped       *prometheus.CounterVec
	EventErrors   *prometheus.CounterVec
	BridgeEvents  *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket sessions on this instance.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users in the last broadcast online set.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Inbound websocket events by type.",
		}, []string{"event"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relayed messages by outcome (delivered, offline, echoed).",
		}, []string{"outcome"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Outbound frames dropped by reason.",
		}, []string{"reason"}),
		EventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_event_errors_total",
			Help:      "Error events sent to clients by code.",
		}, []string{"code"}),
		BridgeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_events_total",
			Help:      "Cluster bridge messages by direction and type.",
		}, []string{"direction", "type"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		HTTPDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.OnlineUsers,
		m.Events,
		m.Relayed,
		m.Dropped,
		m.EventErrors,
		m.BridgeEvents,
		m.HTTPRequests,
		m.HTTPDurations,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event).Inc()
}

// RelayOutcome records one relayed envelope. A message that reached no
// receiver connection counts as offline.
func (m *Metrics) RelayOutcome(delivered, echoed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.Relayed.WithLabelValues("delivered").Inc()
	} else {
		m.Relayed.WithLabelValues("offline").Inc()
	}
	if echoed > 0 {
		m.Relayed.WithLabelValues("echoed").Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventError(code string) {
	if m == nil {
		return
	}
	m.EventErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) Bridge(direction, msgType string) {
	if m == nil {
		return
	}
	m.BridgeEvents.WithLabelValues(direction, msgType).Inc()
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPDurations.WithLabelValues(method).Observe(elapsed.Seconds())
}
