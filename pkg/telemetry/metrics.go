package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Pool ────────────────────────────────────────────────────────────────────

	PoolFreeTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "recycler",
		Subsystem: "pool",
		Name:      "free_tasks",
		Help:      "Tasks currently sitting in the free list.",
	}, []string{"pool"})

	PoolAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recycler",
		Subsystem: "pool",
		Name:      "allocations_total",
		Help:      "Tasks allocated because the free list was empty.",
	}, []string{"pool"})

	OwnershipViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recycler",
		Subsystem: "pool",
		Name:      "ownership_violations_total",
		Help:      "Releases rejected because the task was already free.",
	}, []string{"pool"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recycler",
		Subsystem: "worker",
		Name:      "tasks_executed_total",
		Help:      "Tasks executed, labelled by worker and result.",
	}, []string{"worker_id", "result"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recycler",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Payload execution time in seconds.",
		Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 5},
	}, []string{"worker_id"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recycler",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Total payload retry attempts.",
	}, []string{"worker_id"})

	// ─── Binder ──────────────────────────────────────────────────────────────────

	BinderSubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recycler",
		Subsystem: "binder",
		Name:      "submissions_total",
		Help:      "Tasks obtained from a pool and submitted without release.",
	})

	// ─── Reaper ──────────────────────────────────────────────────────────────────

	ReaperFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recycler",
		Subsystem: "reaper",
		Name:      "flushes_total",
		Help:      "Per-worker flush decisions, labelled flushed or skipped.",
	}, []string{"result"})
)
