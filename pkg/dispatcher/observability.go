package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_dispatcher_invocations_total",
			Help: "Worker invocations issued by the dispatcher",
		},
		[]string{"stage", "status"},
	)
	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_dispatcher_tick_duration_seconds",
			Help:    "Duration of dispatcher ticks",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func recordInvocation(stage string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	invocationsTotal.WithLabelValues(stage, status).Inc()
}
