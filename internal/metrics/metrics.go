// Package metrics exposes Prometheus counters for derivation, plan
// compilation and plan execution.
//
// Every method is safe on a nil *Metrics, so callers that do not care about
// metrics pass nil instead of wiring a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors registered for one qplan instance.
type Metrics struct {
	registry *prometheus.Registry

	deriveCache   *prometheus.CounterVec
	plansCompiled *prometheus.CounterVec
	executions    *prometheus.CounterVec
	rows          *prometheus.CounterVec
	countsSkipped prometheus.Counter
	lockWait      prometheus.Histogram
}

// New creates a registry and registers every qplan collector on it.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deriveCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qplan_derive_cache_total",
				Help: "Signature template cache lookups by result.",
			},
			[]string{"result"},
		),
		plansCompiled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qplan_plans_compiled_total",
				Help: "Query plans compiled by subject.",
			},
			[]string{"subject"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qplan_plan_executions_total",
				Help: "Plan executions by subject and outcome.",
			},
			[]string{"subject", "outcome"},
		),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qplan_rows_total",
				Help: "Rows fetched or affected, by kind.",
			},
			[]string{"kind"},
		),
		countsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qplan_count_queries_skipped_total",
			Help: "Page count queries avoided because the content proved the total.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qplan_lock_wait_seconds",
			Help:    "Time spent waiting for exclusive identity locks.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	m.registry.MustRegister(m.deriveCache, m.plansCompiled, m.executions, m.rows, m.countsSkipped, m.lockWait)
	return m
}

// Gatherer returns the underlying registry for exposition or tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Register adds a custom collector.
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.registry.Register(c)
}

// DeriveCacheHit records a template cache hit.
func (m *Metrics) DeriveCacheHit() {
	if m == nil {
		return
	}
	m.deriveCache.WithLabelValues("hit").Inc()
}

// DeriveCacheMiss records a template cache miss.
func (m *Metrics) DeriveCacheMiss() {
	if m == nil {
		return
	}
	m.deriveCache.WithLabelValues("miss").Inc()
}

// PlanCompiled records one compiled plan.
func (m *Metrics) PlanCompiled(subject string) {
	if m == nil {
		return
	}
	m.plansCompiled.WithLabelValues(subject).Inc()
}

// PlanExecuted records one plan execution. outcome is "ok" or "error".
func (m *Metrics) PlanExecuted(subject, outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(subject, outcome).Inc()
}

// RowsFetched adds n fetched rows.
func (m *Metrics) RowsFetched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues("fetched").Add(float64(n))
}

// RowsAffected adds n rows changed by a bulk plan.
func (m *Metrics) RowsAffected(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues("affected").Add(float64(n))
}

// CountSkipped records a page whose total was inferred without a count query.
func (m *Metrics) CountSkipped() {
	if m == nil {
		return
	}
	m.countsSkipped.Inc()
}

// ObserveLockWait records how long an exclusive lock request waited.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}
