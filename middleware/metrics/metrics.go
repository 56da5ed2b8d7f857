// Package metrics declares the prometheus collectors of linkflow.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "linkflow"

	roleLabel   = "role"
	statusLabel = "status"
	nodeLabel   = "node"

	RoleMaster = "master"
	RoleWorker = "worker"

	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusKilled  = "killed"
)

var (
	SubQueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subquery",
			Name:      "finished_total",
			Help:      "Number of finished subqueries by role and outcome.",
		}, []string{roleLabel, statusLabel})

	SubQueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subquery",
			Name:      "duration_seconds",
			Help:      "Execution time of subqueries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{roleLabel})

	TaskDriveLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "drive_duration_seconds",
			Help:      "Time spent in one drive quantum of a task.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		})

	TaskPanicTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "panic_total",
			Help:      "Number of tasks failed by a panic.",
		})

	SchedulerQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ready_queue_length",
			Help:      "Number of tasks waiting for a worker.",
		})

	InputBufferFullTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "buffer_full_total",
			Help:      "Number of times an input buffer became full and paused its channels.",
		}, []string{nodeLabel})

	LostWorkerTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "lost_worker_total",
			Help:      "Number of workers declared dead by the heartbeat monitor.",
		})
)

var registerOnce sync.Once

// Register registers every collector on r, once per process.
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(SubQueryTotal)
		r.MustRegister(SubQueryLatency)
		r.MustRegister(TaskDriveLatency)
		r.MustRegister(TaskPanicTotal)
		r.MustRegister(SchedulerQueueLength)
		r.MustRegister(InputBufferFullTotal)
		r.MustRegister(LostWorkerTotal)
	})
}

// StatusOf classifies an outcome.
func StatusOf(err error, killed bool) string {
	switch {
	case err == nil:
		return StatusSuccess
	case killed:
		return StatusKilled
	}
	return StatusFailed
}
