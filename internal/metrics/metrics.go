// Package metrics instruments the gateway with Prometheus counters exposed
// on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "raygate"

// Metrics holds the gateway's Prometheus collectors, registered on a
// private registry so tests can construct instances independently.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	streamEvents   *prometheus.CounterVec
}

// New creates and registers the gateway collectors. sessionCount feeds the
// session gauge and must be safe for concurrent use.
func New(sessionCount func() int) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total gateway requests by route and status",
			},
			[]string{"route", "status"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Chat completions dispatched to the active backend",
			},
			[]string{"backend", "model"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Failed backend completion calls",
			},
			[]string{"backend"},
		),
		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_total",
				Help:      "Unified stream events emitted to clients",
			},
			[]string{"backend", "kind"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.dispatches,
		m.upstreamErrors,
		m.streamEvents,
	)

	if sessionCount != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Bearer-token sessions held in memory",
			},
			func() float64 { return float64(sessionCount()) },
		))
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one handled gateway request.
func (m *Metrics) RecordRequest(route, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, status).Inc()
}

// RecordDispatch counts one completion handed to the backend.
func (m *Metrics) RecordDispatch(backend, model string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(backend, model).Inc()
}

// RecordUpstreamError counts one failed backend call.
func (m *Metrics) RecordUpstreamError(backend string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(backend).Inc()
}

// RecordStreamEvent counts one emitted unified stream event. kind is "text"
// or "finish".
func (m *Metrics) RecordStreamEvent(backend, kind string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(backend, kind).Inc()
}
