// Package metrics exposes the Prometheus collectors referenced across
// indexwarden (safeguard counters, ingestion/planner/executor gauges),
// grounded on the teacher's infrastructure/metrics package structure.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the daemon registers at startup.
type Metrics struct {
	registry *prometheus.Registry

	GateOutcomes     *prometheus.CounterVec // labels: gate, outcome
	CircuitTransitions *prometheus.CounterVec // labels: scope, to_state
	MutationOutcomes *prometheus.CounterVec // labels: kind, status
	IngestionDropped prometheus.Counter
	IngestionFlushed prometheus.Counter
	PlanCacheHits    prometheus.Counter
	PlanCacheMisses  prometheus.Counter
	DecisionDuration *prometheus.HistogramVec // labels: outcome
	LifecycleTaskDuration *prometheus.HistogramVec // labels: task
	ActiveIndexes    prometheus.Gauge
	InterceptorDecisions *prometheus.CounterVec // labels: decision
}

// New constructs Metrics registered against a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry constructs Metrics registered against reg, so
// internal/observability's HTTP surface and ad-hoc test registries can
// both drive the same collector set.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		GateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "safety",
			Name:      "gate_outcomes_total",
			Help:      "Safety gate admit/deny decisions.",
		}, []string{"gate", "outcome"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "safety",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions per scope.",
		}, []string{"scope", "to_state"}),
		MutationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "executor",
			Name:      "mutation_outcomes_total",
			Help:      "Mutation executor outcomes by kind and status.",
		}, []string{"kind", "status"}),
		IngestionDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "ingestion",
			Name:      "samples_dropped_total",
			Help:      "Query samples dropped due to buffer saturation.",
		}),
		IngestionFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "ingestion",
			Name:      "samples_flushed_total",
			Help:      "Query samples flushed to query_stats.",
		}),
		PlanCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "planner",
			Name:      "plan_cache_hits_total",
			Help:      "Plan cache hits.",
		}),
		PlanCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "planner",
			Name:      "plan_cache_misses_total",
			Help:      "Plan cache misses.",
		}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "indexwarden",
			Subsystem: "decision",
			Name:      "round_duration_seconds",
			Help:      "Duration of a decision round by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		LifecycleTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "indexwarden",
			Subsystem: "lifecycle",
			Name:      "task_duration_seconds",
			Help:      "Duration of each lifecycle maintenance task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		ActiveIndexes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "indexwarden",
			Subsystem: "catalog",
			Name:      "active_indexes",
			Help:      "Count of IndexRecords currently in status=active.",
		}),
		InterceptorDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexwarden",
			Subsystem: "interceptor",
			Name:      "decisions_total",
			Help:      "Query interceptor decisions by outcome.",
		}, []string{"decision"}),
	}

	reg.MustRegister(
		m.GateOutcomes,
		m.CircuitTransitions,
		m.MutationOutcomes,
		m.IngestionDropped,
		m.IngestionFlushed,
		m.PlanCacheHits,
		m.PlanCacheMisses,
		m.DecisionDuration,
		m.LifecycleTaskDuration,
		m.ActiveIndexes,
		m.InterceptorDecisions,
	)
	return m
}

// Registry exposes the underlying registry for promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordGate is the single call site every safety gate (C7) uses.
func (m *Metrics) RecordGate(gate string, admitted bool) {
	outcome := "deny"
	if admitted {
		outcome = "admit"
	}
	m.GateOutcomes.WithLabelValues(gate, outcome).Inc()
}
