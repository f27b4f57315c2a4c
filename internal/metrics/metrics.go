// Package metrics registers the Prometheus collectors for gate evaluation,
// handoff transitions and completion attempts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "govline"

var (
	// GateEvaluations counts gate runs.
	// Labels: gate, outcome (passed, failed, degraded)
	GateEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gates",
			Name:      "evaluations_total",
			Help:      "Total number of gate evaluations by gate and outcome",
		},
		[]string{"gate", "outcome"},
	)

	// GateDuration tracks how long each gate takes.
	GateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gates",
			Name:      "duration_seconds",
			Help:      "Duration of gate evaluations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"gate"},
	)

	// HandoffTransitions counts handoff proposals and decisions.
	// Labels: handoff_type, result (proposed, accepted, rejected, refused)
	HandoffTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoffs",
			Name:      "transitions_total",
			Help:      "Total number of handoff transitions by type and result",
		},
		[]string{"handoff_type", "result"},
	)

	// CompletionAttempts counts directive completion attempts.
	// Labels: result (completed, blocked, conflict)
	CompletionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directives",
			Name:      "completion_attempts_total",
			Help:      "Total number of directive completion attempts by result",
		},
		[]string{"result"},
	)

	// WebhookDeliveries counts outbound webhook deliveries.
	// Labels: result (delivered, failed, dropped)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Total number of webhook deliveries by result",
		},
		[]string{"result"},
	)
)
