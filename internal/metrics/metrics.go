// Package metrics defines the Prometheus collectors exported by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the guard service updates.
type Metrics struct {
	// Decisions counts evaluations by outcome and deciding check.
	Decisions *prometheus.CounterVec

	// EvaluateDuration is the end-to-end latency of one evaluation.
	EvaluateDuration *prometheus.HistogramVec

	// DependencyErrors counts fail-closed denials by the check that hit the error.
	DependencyErrors *prometheus.CounterVec

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState *prometheus.GaugeVec

	// MirrorDropped counts audit events dropped because the ClickHouse buffer was full.
	MirrorDropped prometheus.Counter

	// HTTPRequests counts HTTP API calls by route pattern and status.
	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg registers on a private
// registry so tests can construct Metrics repeatedly.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentguard_decisions_total",
			Help: "Evaluations by outcome and deciding check.",
		}, []string{"outcome", "check"}),

		EvaluateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentguard_evaluate_duration_seconds",
			Help:    "Latency of policy evaluations.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),

		DependencyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentguard_dependency_errors_total",
			Help: "Evaluations denied because a policy dependency failed.",
		}, []string{"check"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentguard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		MirrorDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "agentguard_audit_mirror_dropped_total",
			Help: "Audit events dropped because the analytics buffer was full.",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentguard_http_requests_total",
			Help: "HTTP API requests by route pattern and status code.",
		}, []string{"route", "status"}),
	}
}
