// Package monitor records pipeline metric samples, rolls them up into
// hourly buckets and evaluates pipeline health against thresholds.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MetricType classifies a sample.
type MetricType string

const (
	MetricDuration   MetricType = "duration"
	MetricFailure    MetricType = "failure"
	MetricQueueDepth MetricType = "queue_depth"
	MetricAttempt    MetricType = "attempt"
)

// Valid reports whether t is a known metric type.
func (t MetricType) Valid() bool {
	switch t {
	case MetricDuration, MetricFailure, MetricQueueDepth, MetricAttempt:
		return true
	}
	return false
}

// Sample is one append-only metric observation.
type Sample struct {
	ID           int64          `json:"id,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
	Stage        string         `json:"stage"`
	Type         MetricType     `json:"metric_type"`
	Value        float64        `json:"value"`
	AttemptCount int            `json:"attempt_count"`
	Priority     int            `json:"priority"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// Validate checks the fields every store requires.
func (s Sample) Validate() error {
	if strings.TrimSpace(s.Stage) == "" {
		return monitorError(ErrValidation, "stage is required")
	}
	if !s.Type.Valid() {
		return monitorError(ErrValidation, "unknown metric type "+string(s.Type))
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return monitorError(ErrValidation, "value must be finite")
	}
	return nil
}

// Recorder accepts samples. Implementations never fail the caller.
type Recorder interface {
	RecordMetric(ctx context.Context, sample Sample)
}

// DepthCount is the number of stage rows in one (stage, status) group.
type DepthCount struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// DepthSource reports current stage row counts.
type DepthSource interface {
	DepthCounts(ctx context.Context) ([]DepthCount, error)
}

// StaleSource counts processing rows whose visibility expired without a
// completion. HealthCheck raises stale_inflight alerts when the depth
// source also implements it.
type StaleSource interface {
	StaleCounts(ctx context.Context) ([]DepthCount, error)
}

var ErrValidation = errors.New("monitor validation error")

func monitorError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
