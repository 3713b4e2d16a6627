// Package metrics defines the Prometheus collectors for query execution,
// builds and snapshot publication.
//
// Collectors are registered on a caller-supplied registry so several
// databases (or tests) in one process never collide. All methods are safe on
// a nil *Metrics and then do nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector.
type Metrics struct {
	queriesTotal   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	querySteps     prometheus.Histogram
	planCache      *prometheus.CounterVec
	buildsTotal    *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	buildFiles     *prometheus.CounterVec
	snapshotGauges *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mucode_queries_total",
			Help: "MUQL queries by statement and outcome",
		}, []string{"statement", "outcome"}),

		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mucode_query_duration_seconds",
			Help:    "MUQL query latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		}, []string{"statement"}),

		querySteps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mucode_query_steps",
			Help:    "Graph algorithm steps consumed per query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}),

		planCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mucode_plan_cache_total",
			Help: "Plan cache lookups by result",
		}, []string{"result"}),

		buildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mucode_builds_total",
			Help: "Build runs by outcome",
		}, []string{"outcome"}),

		buildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mucode_build_duration_seconds",
			Help:    "Build run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		buildFiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mucode_build_files_total",
			Help: "Files handled by builds, by result",
		}, []string{"result"}),

		snapshotGauges: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mucode_snapshot",
			Help: "Current graph snapshot: version, nodes and edges",
		}, []string{"field"}),
	}
}

// ObserveQuery records one executed query.
func (m *Metrics) ObserveQuery(statement, outcome string, elapsed time.Duration, steps int) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(statement, outcome).Inc()
	m.queryDuration.WithLabelValues(statement).Observe(elapsed.Seconds())
	if steps > 0 {
		m.querySteps.Observe(float64(steps))
	}
}

// PlanCacheHit / PlanCacheMiss count plan cache lookups.
func (m *Metrics) PlanCacheHit() {
	if m != nil {
		m.planCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) PlanCacheMiss() {
	if m != nil {
		m.planCache.WithLabelValues("miss").Inc()
	}
}

// ObserveBuild records a finished build run.
func (m *Metrics) ObserveBuild(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.buildsTotal.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(elapsed.Seconds())
}

// AddBuildFiles counts files by result (parsed, unchanged, relinked, failed, removed).
func (m *Metrics) AddBuildFiles(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.buildFiles.WithLabelValues(result).Add(float64(n))
}

// SetSnapshot publishes the current snapshot's shape.
func (m *Metrics) SetSnapshot(version uint64, nodes, edges int) {
	if m == nil {
		return
	}
	m.snapshotGauges.WithLabelValues("version").Set(float64(version))
	m.snapshotGauges.WithLabelValues("nodes").Set(float64(nodes))
	m.snapshotGauges.WithLabelValues("edges").Set(float64(edges))
}
