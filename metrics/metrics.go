// Package metrics holds the Prometheus collectors for the reconciliation
// engine. They register on the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "books",
	Subsystem: "reconciliation",
	Name:      "transitions_total",
	Help:      "Obligation state transitions by target state and method.",
}, []string{"to_state", "method"})

var Bindings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "books",
	Subsystem: "reconciliation",
	Name:      "bindings_total",
	Help:      "Settlements bound to an obligation by candidate kind and method.",
}, []string{"kind", "method"})

var ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "books",
	Subsystem: "reconciliation",
	Name:      "claim_conflicts_total",
	Help:      "Movements lost to a concurrent consumer while binding.",
})

var SweepObligations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "books",
	Subsystem: "sweep",
	Name:      "obligations_total",
	Help:      "Obligations evaluated by sweeps, by outcome.",
}, []string{"outcome"})

var SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "books",
	Subsystem: "sweep",
	Name:      "duration_seconds",
	Help:      "Wall time of a full sweep.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"channel"})

var OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "books",
	Subsystem: "outbox",
	Name:      "published_total",
	Help:      "Outbox publish attempts by result (sent, failed, dead).",
}, []string{"result"})
