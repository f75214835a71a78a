package deadletter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deadLettersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conveyor_dead_letters_total",
		Help: "Total number of dead-letter records written",
	},
	[]string{"stage", "reason"},
)

func recordAppended(r *Record) {
	deadLettersTotal.WithLabelValues(r.Stage, string(r.FailureReason)).Inc()
}
