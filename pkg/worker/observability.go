package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_worker_processed_total",
			Help: "Stage deliveries processed by workers",
		},
		[]string{"stage", "status"},
	)
	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_worker_handler_duration_seconds",
			Help:    "Duration of stage handler executions",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"stage"},
	)
)

func recordProcessed(stage, status string) {
	processedTotal.WithLabelValues(stage, status).Inc()
}

func recordHandlerDuration(stage string, d time.Duration) {
	handlerDuration.WithLabelValues(stage).Observe(d.Seconds())
}
