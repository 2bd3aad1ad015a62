// Package metrics exposes the server's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and gauges of the annotation server. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	mutationsTotal  *prometheus.CounterVec
	broadcastsTotal *prometheus.CounterVec
	droppedTotal    prometheus.Counter
	mergedTotal     prometheus.Counter
	connections     prometheus.Gauge
	rooms           prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "annotation_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "annotation_errors_total",
			Help: "Total number of failed HTTP requests and rejected websocket actions",
		}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "annotation_mutations_total",
			Help: "Total number of mutations committed, by action",
		}, []string{"action"}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "annotation_broadcasts_total",
			Help: "Total number of event deliveries queued to room members, by event",
		}, []string{"event"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "annotation_broadcast_dropped_total",
			Help: "Total number of event deliveries dropped because a member's buffer was full",
		}),
		mergedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "annotation_segments_merged_total",
			Help: "Total number of segments absorbed by merges",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "annotation_connections",
			Help: "Number of open websocket connections",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "annotation_rooms",
			Help: "Number of project rooms with at least one member",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.mutationsTotal,
		m.broadcastsTotal,
		m.droppedTotal,
		m.mergedTotal,
		m.connections,
		m.rooms,
	)
	return m
}

// IncRequests increments the HTTP request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the error counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncMutation counts a committed mutation.
func (m *Metrics) IncMutation(action string) {
	if m != nil {
		m.mutationsTotal.WithLabelValues(action).Inc()
	}
}

// AddBroadcast counts n deliveries of event.
func (m *Metrics) AddBroadcast(event string, n int) {
	if m != nil && n > 0 {
		m.broadcastsTotal.WithLabelValues(event).Add(float64(n))
	}
}

// IncDropped counts one dropped delivery.
func (m *Metrics) IncDropped() {
	if m != nil {
		m.droppedTotal.Inc()
	}
}

// AddMerged counts segments absorbed by a merge.
func (m *Metrics) AddMerged(n int) {
	if m != nil && n > 0 {
		m.mergedTotal.Add(float64(n))
	}
}

// SetConnections sets the connections gauge.
func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

// SetRooms sets the rooms gauge.
func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

// Registry returns the private registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the registry.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
