package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "butler",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QueueDepth reports the number of queued (non-active) module runs, by priority class.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "butler",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of module runs currently queued or pending, by priority.",
	},
	[]string{"priority"},
)

// RunsTotal is registered with operation and status labels for module run
// terminal transitions; no code path increments it.
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "butler",
		Subsystem: "runs",
		Name:      "total",
		Help:      "Total module runs by operation and terminal status.",
	},
	[]string{"operation", "status"},
)

// CascadeEnqueuedTotal counts cascade plan runs created by the cascade manager.
var CascadeEnqueuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "butler",
		Subsystem: "cascade",
		Name:      "enqueued_total",
		Help:      "Total cascade plan runs enqueued on version approval.",
	},
)

// SweeperTransitionsTotal counts expiry sweep transitions and evictions, by kind (module_run, environment_run, policy_evaluation).
var SweeperTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "butler",
		Subsystem: "sweeper",
		Name:      "transitions_total",
		Help:      "Total runs transitioned to a terminal state by the expiry sweeper.",
	},
	[]string{"kind"},
)

// PolicyEvaluationsTotal counts governance policy evaluations by enforcement level and outcome.
var PolicyEvaluationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "butler",
		Subsystem: "policy",
		Name:      "evaluations_total",
		Help:      "Total policy evaluations by enforcement level and outcome.",
	},
	[]string{"enforcement_level", "outcome"},
)

// DownloadsTotal counts wire-protocol artifact downloads by registry protocol (modules, providers, helm).
var DownloadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "butler",
		Subsystem: "registry",
		Name:      "downloads_total",
		Help:      "Total wire-protocol artifact downloads by protocol.",
	},
	[]string{"protocol"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP metrics, and any additional service-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		QueueDepth,
		RunsTotal,
		CascadeEnqueuedTotal,
		SweeperTransitionsTotal,
		PolicyEvaluationsTotal,
		DownloadsTotal,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
