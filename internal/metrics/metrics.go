package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "jobs_processed_total",
			Help:      "Outbound sync jobs by action and result.",
		},
		[]string{"action", "result"},
	)

	jobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "job_retries_total",
			Help:      "Outbound jobs returned to pending after a failure.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tasksync",
			Name:      "queue_depth",
			Help:      "Sync queue rows by status.",
		},
		[]string{"status"},
	)

	reconcileCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "reconcile_cycles_total",
			Help:      "Inbound reconciliation cycles per user by result.",
		},
		[]string{"result"},
	)

	reconcileImports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "reconcile_imported_total",
			Help:      "Remote tasks imported as new local tasks.",
		},
	)

	reconcileUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "reconcile_updated_total",
			Help:      "Local tasks updated from remote state.",
		},
	)

	deadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tasksync",
			Name:      "dead_lettered_total",
			Help:      "Terminally failed jobs pushed to the dead-letter list.",
		},
	)

	remoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tasksync",
			Name:      "remote_call_duration_seconds",
			Help:      "Remote system call latency by operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Register registers all collectors. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsProcessed,
			jobRetries,
			queueDepth,
			reconcileCycles,
			reconcileImports,
			reconcileUpdates,
			deadLettered,
			remoteCallDuration,
		)
	})
}

func IncJobProcessed(action, result string) {
	jobsProcessed.WithLabelValues(action, result).Inc()
}

func IncJobRetry() {
	jobRetries.Inc()
}

func SetQueueDepth(status string, n int64) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

func IncReconcileCycle(result string) {
	reconcileCycles.WithLabelValues(result).Inc()
}

func IncReconcileImported() {
	reconcileImports.Inc()
}

func IncReconcileUpdated() {
	reconcileUpdates.Inc()
}

func IncDeadLettered() {
	deadLettered.Inc()
}

func ObserveRemoteCall(op string, seconds float64) {
	remoteCallDuration.WithLabelValues(op).Observe(seconds)
}
