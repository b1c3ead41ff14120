// Package metrics exposes engine counters on a per-engine prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the collectors of one engine. A nil *Registry discards every observation, which
// lets operators be driven in isolation.
type Registry struct {
	reg *prometheus.Registry

	queries       *prometheus.CounterVec
	queryDuration prometheus.Histogram
	morsels       prometheus.Counter
	rowsOut       prometheus.Counter
	taskSteps     prometheus.Counter
	suspensions   prometheus.Counter
	spills        *prometheus.CounterVec
	spilledBytes  prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		// queries counts finished queries by outcome (ok or the error class).
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "morseldb_queries_total",
			Help: "Total number of finished queries",
		}, []string{"status"}),
		queryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "morseldb_query_duration_seconds",
			Help:    "Query latency from execute to teardown",
			Buckets: prometheus.DefBuckets,
		}),
		morsels: f.NewCounter(prometheus.CounterOpts{
			Name: "morseldb_morsels_processed_total",
			Help: "Morsels pulled from sources",
		}),
		rowsOut: f.NewCounter(prometheus.CounterOpts{
			Name: "morseldb_rows_output_total",
			Help: "Rows delivered to result handles and sinks",
		}),
		taskSteps: f.NewCounter(prometheus.CounterOpts{
			Name: "morseldb_task_steps_total",
			Help: "Scheduler task steps executed",
		}),
		suspensions: f.NewCounter(prometheus.CounterOpts{
			Name: "morseldb_task_suspensions_total",
			Help: "Tasks suspended on a full channel or a source that was not ready",
		}),
		spills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "morseldb_spills_total",
			Help: "Spill events by operator",
		}, []string{"operator"}),
		spilledBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "morseldb_spilled_bytes_total",
			Help: "Bytes written to spill files",
		}),
	}
}

// Gatherer exposes the registry to embedding hosts.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) QueryFinished(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.queries.WithLabelValues(status).Inc()
	r.queryDuration.Observe(elapsed.Seconds())
}

func (r *Registry) MorselProcessed() {
	if r == nil {
		return
	}
	r.morsels.Inc()
}

func (r *Registry) RowsOutput(n int) {
	if r == nil {
		return
	}
	r.rowsOut.Add(float64(n))
}

func (r *Registry) TaskSteps(n int64) {
	if r == nil {
		return
	}
	r.taskSteps.Add(float64(n))
}

func (r *Registry) TaskSuspensions(n int64) {
	if r == nil {
		return
	}
	r.suspensions.Add(float64(n))
}

func (r *Registry) Spilled(operator string, bytes int64) {
	if r == nil {
		return
	}
	r.spills.WithLabelValues(operator).Inc()
	r.spilledBytes.Add(float64(bytes))
}
