// Package metrics exposes Prometheus instrumentation for the federation
// trust gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Gateway pipeline
	Invocations       *prometheus.CounterVec
	InvocationLatency *prometheus.HistogramVec

	// Policy engine
	PolicyDenials       *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	BreakerTrips        *prometheus.CounterVec

	// Audit back-pressure
	AuditDrops *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics on the default
// registry. Construct exactly once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		Invocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_invocations_total",
				Help: "Cross-org invocations processed by the gateway",
			},
			[]string{"outcome"}, // outcome: success, denied, error
		),

		InvocationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "federation_invocation_latency_seconds",
				Help:    "End-to-end latency of cross-org invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		PolicyDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_policy_denials_total",
				Help: "Policy denials by sub-reason code",
			},
			[]string{"code"},
		),

		RateLimitRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_rate_limit_rejections_total",
				Help: "Requests rejected by per-agreement rate limits",
			},
			[]string{"agreement_id"},
		),

		BreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_circuit_breaker_trips_total",
				Help: "Circuit breaker trips that auto-suspended an agreement",
			},
			[]string{"agreement_id"},
		),

		AuditDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_audit_drops_total",
				Help: "Audit entries dropped by the async writer",
			},
			[]string{"reason"}, // reason: queue_full, write_failed
		),
	}
}
