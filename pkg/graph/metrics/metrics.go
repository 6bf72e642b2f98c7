package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// System metrics
	SystemMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_memory_bytes",
		Help: "Current system memory usage",
	})

	SystemGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_goroutines",
		Help: "Number of goroutines",
	})

	// Graph metrics
	GraphWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_writes_total",
			Help: "Committed graph write transactions",
		},
		[]string{"operation"},
	)

	GraphWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_write_errors_total",
			Help: "Failed graph write transactions",
		},
		[]string{"operation"},
	)

	// Contribution metrics
	ContributionsStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contributions_staged_total",
		Help: "Pending contributions created by agent runs",
	})

	ContributionsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contributions_resolved_total",
			Help: "Contributions resolved by reviewers",
		},
		[]string{"action"},
	)

	// Job metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs accepted into the queue",
		},
		[]string{"kind"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Jobs finished by workers",
		},
		[]string{"kind", "status"},
	)

	// Agent metrics
	AgentIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_run_iterations",
		Help:    "Converse/tool round-trips per orchestrator run",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	AgentToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tool_calls_total",
			Help: "Tool invocations dispatched for the agent",
		},
		[]string{"capability", "status"},
	)
)

// UpdateSystemMetrics updates system-level metrics
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	SystemMemoryUsage.Set(float64(m.Alloc))
	SystemGoroutines.Set(float64(runtime.NumGoroutine()))
}
