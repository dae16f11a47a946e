package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callcost"

// Metrics tracks ingest and cost metrics.
//
// Metrics:
//   - callcost_calls_ingested_total: calls stored, by client
//   - callcost_calls_duplicate_total: calls ignored as already stored
//   - callcost_usage_skipped_total: stored calls whose usage was absent or unparseable
//   - callcost_cost_usd_total: estimated cost of stored calls
//   - callcost_call_cost_usd: cost distribution per call
//   - callcost_call_duration_seconds: call length distribution
//   - callcost_pruned_calls_total: calls removed by retention
type Metrics struct {
	registry *prometheus.Registry

	ingested  *prometheus.CounterVec
	duplicate prometheus.Counter
	skipped   prometheus.Counter
	costTotal prometheus.Counter
	cost      prometheus.Histogram
	duration  prometheus.Histogram
	pruned    prometheus.Counter
}

// New creates and registers the metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ingested_total",
			Help:      "Calls stored, by client",
		}, []string{"client"}),
		duplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_duplicate_total",
			Help:      "Calls ignored because they were already stored",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_skipped_total",
			Help:      "Stored calls whose usage was absent or unparseable",
		}),
		costTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated cost in USD of stored calls",
		}),
		cost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_cost_usd",
			Help:      "Estimated cost distribution per call in USD",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call length distribution in seconds",
			Buckets:   []float64{15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_calls_total",
			Help:      "Calls removed by retention",
		}),
	}

	m.registry.MustRegister(
		m.ingested,
		m.duplicate,
		m.skipped,
		m.costTotal,
		m.cost,
		m.duration,
		m.pruned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordCall records one stored call
func (m *Metrics) RecordCall(client string, cost, durationSeconds float64, usageValid bool) {
	m.ingested.WithLabelValues(client).Inc()
	m.costTotal.Add(cost)
	m.cost.Observe(cost)
	if !usageValid {
		m.skipped.Inc()
		return
	}
	m.duration.Observe(durationSeconds)
}

// RecordDuplicates records calls that were already stored
func (m *Metrics) RecordDuplicates(n int) {
	if n > 0 {
		m.duplicate.Add(float64(n))
	}
}

// RecordPruned records calls removed by retention
func (m *Metrics) RecordPruned(n int64) {
	if n > 0 {
		m.pruned.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
