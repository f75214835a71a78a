package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/conveyor/pkg/eventbus"
	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// LogSink writes notifications to the structured log.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a sink on log.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log.With("component", "alert.log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n Notification) error {
	args := []any{"kind", n.Kind, "severity", n.Severity, "summary", n.Summary}
	if n.DeadLetter != nil {
		args = append(args, "job_id", n.DeadLetter.JobID, "stage", n.DeadLetter.Stage, "dead_letter_id", n.DeadLetter.ID)
	}
	switch n.Severity {
	case SeverityCritical:
		s.log.Error(n.Title, args...)
	case SeverityWarning:
		s.log.Warn(n.Title, args...)
	default:
		s.log.Info(n.Title, args...)
	}
	return nil
}

// WebhookConfig configures WebhookSink.
type WebhookConfig struct {
	URL              string            `mapstructure:"url"`
	Headers          map[string]string `mapstructure:"headers"`
	OperationTimeout time.Duration     `mapstructure:"operation_timeout"`
	HTTPClient       *http.Client      `mapstructure:"-"`
}

// WebhookSink POSTs the notification as JSON.
type WebhookSink struct {
	cfg        WebhookConfig
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.OperationTimeout}
	}
	return &WebhookSink{cfg: cfg, httpClient: client}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// EventBusSink publishes notifications on a broker topic, keyed by job id
// for dead letters and by kind otherwise.
type EventBusSink struct {
	producer eventbus.Producer
	topic    string
}

// NewEventBusSink creates a sink publishing on topic.
func NewEventBusSink(producer eventbus.Producer, topic string) (*EventBusSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if strings.TrimSpace(topic) == "" {
		topic = "conveyor.alerts"
	}
	return &EventBusSink{producer: producer, topic: topic}, nil
}

func (s *EventBusSink) Name() string { return "eventbus" }

func (s *EventBusSink) Send(ctx context.Context, n Notification) error {
	key := string(n.Kind)
	if n.DeadLetter != nil {
		key = n.DeadLetter.JobID
	}
	msg, err := eventbus.NewJSONMessage(uuid.NewString(), key, n, map[string]string{
		"kind":     string(n.Kind),
		"severity": string(n.Severity),
	})
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, s.topic, msg)
}
