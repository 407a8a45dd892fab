// Package observability exposes the daemon's Prometheus metrics
// (spec §6's admin HTTP surface "query queue and scheduler statistics",
// wired to a real /metrics endpoint).
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_queue_depth",
		Help: "Current number of tasks waiting in the Queue Core",
	}, []string{"project"})

	QueueOldestWaitSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_queue_oldest_wait_seconds",
		Help: "Age of the oldest queued task for a project",
	}, []string{"project"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_completed_total",
		Help: "Total tasks that finished, by project, kind, and outcome",
	}, []string{"project", "kind", "outcome"}) // outcome: success, failed

	TaskExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_task_exec_duration_seconds",
		Help:    "Wall-clock time spent executing the AI-tool child",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	}, []string{"project", "kind"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_task_retries_total",
		Help: "Total task retry attempts, by project",
	}, []string{"project"})

	DynamicPriority = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_dynamic_priority",
		Help: "Current dynamic priority of a project",
	}, []string{"project"})

	JainFairnessIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_jain_fairness_index",
		Help: "Jain fairness index over trailing-hour per-project throughput (0-1, 1 is perfectly fair)",
	})

	WorkerSlotsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_worker_slots_active",
		Help: "Number of worker slots currently executing a task",
	})

	WorkerSlotsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_worker_slots_total",
		Help: "Configured number of worker slots",
	})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_poll_errors_total",
		Help: "Discovery poll failures, by project",
	}, []string{"project"})

	RateLimitCooldownActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_ratelimit_cooldown_active",
		Help: "1 while the AI-tool is in a rate-limit cooldown window, 0 otherwise",
	})

	AuditMirrorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_audit_mirror_failures_total",
		Help: "Best-effort Postgres/Redis mirror failures, by backend",
	}, []string{"backend"})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
