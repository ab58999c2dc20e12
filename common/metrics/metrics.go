// Package metrics instruments the execution core. Prometheus collectors
// cover run and node lifecycle; RuntimeMetrics captures per-attempt
// resource usage recorded on node executions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowcore"

// Metrics holds the collectors shared by the gateway and the runner
type Metrics struct {
	registry *prometheus.Registry

	RunsSubmitted  *prometheus.CounterVec
	RunsStarted    prometheus.Counter
	RunsCompleted  *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	ActiveRuns     prometheus.Gauge
	NodesExecuted  *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec
	NodeRetries    *prometheus.CounterVec
	EventsEmitted  *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	SweptRecords   *prometheus.CounterVec
	RequeuedStale  prometheus.Counter
	RateLimitedReq *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RunsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Run submissions by outcome.",
		}, []string{"outcome"}),

		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs picked up by the execution engine.",
		}),

		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Runs finished by terminal status.",
		}, []string{"status"}),

		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock run duration from pickup to terminal status.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
		}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently being traversed by this worker.",
		}),

		NodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_executed_total",
			Help:      "Node executions by node type and outcome.",
		}, []string{"node_type", "outcome"}),

		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_milliseconds",
			Help:      "Node execution latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_type"}),

		NodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Retry attempts by node type.",
		}, []string{"node_type"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events published to the bus by detail type.",
		}, []string{"detail_type"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Work queue depth by state (ready, delayed, dead_lettered).",
		}, []string{"state"}),

		SweptRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_swept_total",
			Help:      "Records removed by the retention sweep, by entity.",
		}, []string{"entity"}),

		RequeuedStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_runs_requeued_total",
			Help:      "Stale QUEUED runs re-enqueued by the janitor.",
		}),

		RateLimitedReq: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by rate limiting, by scope.",
		}, []string{"scope"}),
	}
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
