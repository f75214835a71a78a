package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_scheduler_task_runs_total",
			Help: "Scheduled task runs by outcome",
		},
		[]string{"task", "status"},
	)

	taskInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_scheduler_task_inflight",
			Help: "Scheduled tasks currently running",
		},
		[]string{"task"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_scheduler_task_duration_seconds",
			Help:    "Duration of scheduled task runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)
)

func recordTaskRun(taskName, status string) {
	taskRunsTotal.WithLabelValues(label(taskName), label(status)).Inc()
}

func incrementTaskInFlight(taskName string) {
	taskInFlight.WithLabelValues(label(taskName)).Inc()
}

func decrementTaskInFlight(taskName string) {
	taskInFlight.WithLabelValues(label(taskName)).Dec()
}

func observeTaskDuration(taskName string, d time.Duration) {
	taskDuration.WithLabelValues(label(taskName)).Observe(d.Seconds())
}

func label(value string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return "unknown"
}
