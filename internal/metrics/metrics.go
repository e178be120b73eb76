// Package metrics wires up the Prometheus registry exposed at GET
// /metrics (SPEC_FULL.md §4.6 supplement). Grounded on the
// prometheus/client_golang usage pattern common to the pack's other MCP
// repos (HyphaGroup-oubliette, fyrsmithlabs-contextd); the teacher itself
// doesn't expose metrics, so this follows client_golang's own idiomatic
// registration style rather than anything teacher-specific.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric this runtime publishes. ActiveSessions
// and ConnectedServers are registered and exported, but nothing in this
// module sets them, so they always report 0.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	ConnectedServers prometheus.Gauge
}

// NewRegistry constructs a fresh, isolated Prometheus registry (not the
// global default) so tests can create independent instances.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled, by route and status.",
		}, []string{"route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpgate",
			Name:      "active_sessions",
			Help:      "Number of currently active HTTP sessions.",
		}),
		ConnectedServers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpgate",
			Name:      "connected_servers",
			Help:      "Number of downstream servers currently connected.",
		}),
	}
}

// Gatherer exposes the underlying registry for the /metrics HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
