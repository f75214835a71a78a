package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_metric_samples_total",
			Help: "Total number of metric samples recorded, by outcome",
		},
		[]string{"metric_type", "status"},
	)

	stageDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_stage_depth",
			Help: "Stage rows per status at the last queue-depth snapshot",
		},
		[]string{"stage", "status"},
	)

	healthAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_pipeline_health_alerts",
			Help: "Alerts raised by the last pipeline health check",
		},
		[]string{"severity"},
	)
)

func recordSample(metric MetricType, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	samplesTotal.WithLabelValues(string(metric), status).Inc()
}
