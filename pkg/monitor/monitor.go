package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// StoreRecorder is a Recorder appending to a Store. Failures are logged and
// counted, never returned.
type StoreRecorder struct {
	store Store
	log   logger.Logger
	now   func() time.Time
}

// NewRecorder creates a recorder on store.
func NewRecorder(store Store, log logger.Logger) (*StoreRecorder, error) {
	if store == nil {
		return nil, monitorError(ErrValidation, "store is required")
	}
	if log == nil {
		return nil, monitorError(ErrValidation, "logger is required")
	}
	return &StoreRecorder{store: store, log: log.With("component", "monitor.recorder"), now: time.Now}, nil
}

// RecordMetric appends sample, stamping RecordedAt when unset.
func (r *StoreRecorder) RecordMetric(ctx context.Context, sample Sample) {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = r.now()
	}
	err := r.store.AppendSample(ctx, &sample)
	label := sample.Type
	if !label.Valid() {
		label = "unknown"
	}
	recordSample(label, err)
	if err != nil {
		r.log.Warn("failed to record metric sample",
			"stage", sample.Stage, "metric_type", sample.Type, "error", err)
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRollupWindow sets the default RefreshRollups window.
func WithRollupWindow(window time.Duration) Option {
	return func(m *Monitor) {
		if window > 0 {
			m.window = window
		}
	}
}

// Monitor computes rollups, depth snapshots and health reports.
type Monitor struct {
	store    Store
	depth    DepthSource
	recorder *StoreRecorder
	log      logger.Logger
	now      func() time.Time
	window   time.Duration
}

// New creates a monitor reading samples from store and stage counts from
// depth.
func New(store Store, depth DepthSource, log logger.Logger, opts ...Option) (*Monitor, error) {
	if depth == nil {
		return nil, monitorError(ErrValidation, "depth source is required")
	}
	recorder, err := NewRecorder(store, log)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		store:    store,
		depth:    depth,
		recorder: recorder,
		log:      log.With("component", "monitor"),
		now:      time.Now,
		window:   DefaultRollupWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	recorder.now = m.now
	return m, nil
}

// RecordMetric appends one sample. See StoreRecorder.
func (m *Monitor) RecordMetric(ctx context.Context, sample Sample) {
	m.recorder.RecordMetric(ctx, sample)
}

// RefreshRollups recomputes the hourly buckets of the last window, the
// configured default when window is zero.
func (m *Monitor) RefreshRollups(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = m.window
	}
	now := m.now()
	since := bucketOf(now.Add(-window))
	written, err := m.store.RefreshRollups(ctx, since, now)
	if err != nil {
		return 0, err
	}
	m.log.Debug("rollups refreshed", "buckets", written, "since", since)
	return written, nil
}

// ListRollups proxies the store.
func (m *Monitor) ListRollups(ctx context.Context, filter RollupFilter) ([]*Rollup, error) {
	return m.store.ListRollups(ctx, filter)
}

// CaptureQueueDepthSnapshot records one queue_depth sample per (stage,
// status) group and mirrors the counts on the conveyor_stage_depth gauge.
func (m *Monitor) CaptureQueueDepthSnapshot(ctx context.Context) ([]DepthCount, error) {
	counts, err := m.depth.DepthCounts(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	stageDepth.Reset()
	var errs []error
	for _, c := range counts {
		stageDepth.WithLabelValues(c.Stage, c.Status).Set(float64(c.Count))
		sample := Sample{
			Stage:      c.Stage,
			Type:       MetricQueueDepth,
			Value:      float64(c.Count),
			Metadata:   map[string]any{"status": c.Status},
			RecordedAt: now,
		}
		if err := m.store.AppendSample(ctx, &sample); err != nil {
			errs = append(errs, err)
		}
		recordSample(MetricQueueDepth, err)
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Warn("queue depth snapshot partially recorded", "groups", len(counts), "error", err)
	}
	return counts, nil
}
