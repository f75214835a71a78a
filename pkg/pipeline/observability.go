package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conveyor_pipeline_transitions_total",
		Help: "Total number of stage state transitions applied",
	},
	[]string{"stage", "transition"},
)

func recordTransition(stage, transition string) {
	if stage == "" {
		stage = "unknown"
	}
	transitionsTotal.WithLabelValues(stage, transition).Inc()
}
