package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_queue_operations_total",
			Help: "Total number of durable queue operations",
		},
		[]string{"backend", "queue", "operation", "status"},
	)

	queueDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_queue_delivered_total",
			Help: "Total number of messages handed to consumers, redeliveries included",
		},
		[]string{"backend", "queue"},
	)

	queueRedeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_queue_redelivered_total",
			Help: "Total number of deliveries with a read count above one",
		},
		[]string{"backend", "queue"},
	)

	queueInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_queue_messages_inflight",
			Help: "Deliveries handed out by this process that have not been archived yet",
		},
		[]string{"backend", "queue"},
	)
)

func recordOperation(backend, queue, operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	queueOperationsTotal.WithLabelValues(
		normalizeLabel(backend),
		normalizeLabel(queue),
		operation,
		status,
	).Inc()
}

func recordDeliveries(backend, queue string, deliveries []*Delivery) {
	if len(deliveries) == 0 {
		return
	}
	queueDeliveredTotal.WithLabelValues(normalizeLabel(backend), normalizeLabel(queue)).Add(float64(len(deliveries)))
	queueInflight.WithLabelValues(normalizeLabel(backend), normalizeLabel(queue)).Add(float64(len(deliveries)))
	redelivered := 0
	for _, delivery := range deliveries {
		if delivery.ReadCount > 1 {
			redelivered++
		}
	}
	if redelivered > 0 {
		queueRedeliveredTotal.WithLabelValues(normalizeLabel(backend), normalizeLabel(queue)).Add(float64(redelivered))
	}
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func recordArchived(backend, queue string, count int) {
	if count <= 0 {
		return
	}
	gauge := queueInflight.WithLabelValues(normalizeLabel(backend), normalizeLabel(queue))
	gauge.Sub(float64(count))
}
