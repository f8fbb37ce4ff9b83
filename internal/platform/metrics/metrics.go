package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signing engine.
type Metrics struct {
	WorkflowsCreated   prometheus.Counter
	WorkflowsCompleted prometheus.Counter
	SignaturesApplied  prometheus.Counter
	OTPIssued          prometheus.Counter
	OTPVerified        prometheus.Counter
	OTPRejected        prometheus.Counter
	TransitionConflict prometheus.Counter
	ComposeDurationMs  prometheus.Histogram
}

// New creates all metrics and registers them with reg. Passing a fresh
// registry keeps parallel test binaries from colliding on registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkflowsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "countersign_workflows_created_total",
			Help: "Total number of signing workflows created",
		}),
		WorkflowsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "countersign_workflows_completed_total",
			Help: "Total number of signing workflows completed",
		}),
		SignaturesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "countersign_signatures_applied_total",
			Help: "Total number of signatures composited onto documents",
		}),
		OTPIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "countersign_otp_issued_total",
			Help: "Total number of one-time codes issued",
		}),
		OTPVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "countersign_otp_verified_total",
			Help: "Total number of successful one-time code verifications",
		}),
		OTPRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "countersign_otp_rejected_total",
			Help: "Total number of rejected one-time code verifications",
		}),
		TransitionConflict: factory.NewCounter(prometheus.CounterOpts{
			Name: "countersign_transition_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts during transitions",
		}),
		ComposeDurationMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "countersign_compose_duration_ms",
			Help:    "Latency of signature composition in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
	}
}

// ObserveCompose records one composition duration.
func (m *Metrics) ObserveCompose(d time.Duration) {
	m.ComposeDurationMs.Observe(float64(d.Microseconds()) / 1000.0)
}
