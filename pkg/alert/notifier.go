package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nimburion/conveyor/pkg/eventbus"
	"github.com/nimburion/conveyor/pkg/health"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/observability/logger"
)

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conveyor_alert_notifications_total",
		Help: "Alert notifications by sink and delivery status",
	},
	[]string{"sink", "status"},
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Config selects the sinks built by NewFromConfig. The log sink is always
// on; the others are enabled by their URL, topic or host.
type Config struct {
	// MinSeverity drops notifications below it. Defaults to warning.
	MinSeverity   Severity      `mapstructure:"min_severity"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	EventBusTopic string        `mapstructure:"eventbus_topic"`
	Email         EmailConfig   `mapstructure:"email"`
}

// Notifier fans a notification out to every sink.
type Notifier struct {
	sinks       []Sink
	log         logger.Logger
	minSeverity Severity
	timeout     time.Duration
}

// NewNotifier creates a notifier over sinks.
func NewNotifier(log logger.Logger, minSeverity Severity, sinks ...Sink) (*Notifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if minSeverity == "" {
		minSeverity = SeverityWarning
	}
	if _, ok := severityRank[minSeverity]; !ok {
		return nil, fmt.Errorf("unknown severity %q", minSeverity)
	}
	return &Notifier{
		sinks:       sinks,
		log:         log.With("component", "alert"),
		minSeverity: minSeverity,
		timeout:     30 * time.Second,
	}, nil
}

// NewFromConfig builds the configured sinks. producer may be nil when no
// event bus is configured.
func NewFromConfig(cfg Config, producer eventbus.Producer, log logger.Logger) (*Notifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	sinks := []Sink{NewLogSink(log)}
	if cfg.Webhook.URL != "" {
		sink, err := NewWebhookSink(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.EventBusTopic != "" && producer != nil {
		sink, err := NewEventBusSink(producer, cfg.EventBusTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Email.Host != "" {
		sink, err := NewEmailSink(cfg.Email)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return NewNotifier(log, cfg.MinSeverity, sinks...)
}

// Sinks returns the configured sink names.
func (n *Notifier) Sinks() []string {
	names := make([]string, len(n.sinks))
	for i, s := range n.sinks {
		names[i] = s.Name()
	}
	return names
}

// Notify delivers note to every sink in turn. Failures are logged and
// counted; nothing is retried.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	if severityRank[note.Severity] < severityRank[n.minSeverity] {
		return
	}
	if note.OccurredAt.IsZero() {
		note.OccurredAt = time.Now().UTC()
	}
	for _, sink := range n.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := sink.Send(sendCtx, note)
		cancel()
		if err != nil {
			notificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
			n.log.Warn("alert delivery failed", "sink", sink.Name(), "kind", note.Kind, "error", err)
			continue
		}
		notificationsTotal.WithLabelValues(sink.Name(), "success").Inc()
	}
}

// NotifyHealth forwards report unless it is healthy.
func (n *Notifier) NotifyHealth(ctx context.Context, report *monitor.Report) {
	if report == nil || report.Status == health.StatusHealthy {
		return
	}
	n.Notify(ctx, HealthNotification(report))
}

// HealthNotification maps a degraded report to a warning and an unhealthy
// one to a critical notification.
func HealthNotification(report *monitor.Report) Notification {
	severity := SeverityInfo
	switch report.Status {
	case health.StatusDegraded:
		severity = SeverityWarning
	case health.StatusUnhealthy:
		severity = SeverityCritical
	}
	return Notification{
		Kind:       KindHealth,
		Severity:   severity,
		Title:      fmt.Sprintf("Pipeline %s", report.Status),
		Summary:    report.Summary(),
		Health:     report,
		OccurredAt: report.CheckedAt,
	}
}
