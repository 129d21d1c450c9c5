// Package metrics holds the proxy's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the proxy's collectors on a private registry so tests
// can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	Decisions      *prometheus.CounterVec
	ProbeDuration  prometheus.Histogram
	ProbeFailures  prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibedb_sessions_active",
		Help: "Number of client sessions currently open.",
	})
	m.SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vibedb_sessions_total",
		Help: "Total client sessions accepted.",
	})
	m.Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibedb_decisions_total",
		Help: "Policy decisions by outcome and rule.",
	}, []string{"outcome", "rule"})
	m.ProbeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vibedb_probe_duration_seconds",
		Help:    "Row-impact probe latency.",
		Buckets: prometheus.DefBuckets,
	})
	m.ProbeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vibedb_probe_failures_total",
		Help: "Row-impact probes that failed and forced a block.",
	})

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.Decisions,
		m.ProbeDuration,
		m.ProbeFailures,
	)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
