package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nimburion/conveyor/pkg/health"
)

// Thresholds configure HealthCheck. A zero threshold disables its check.
type Thresholds struct {
	// DurationSeconds bounds the last-hour p95 stage duration.
	DurationSeconds float64 `mapstructure:"duration_seconds"`
	// ErrorRate bounds failures / (failures + completions).
	ErrorRate float64 `mapstructure:"error_rate"`
	// QueueDepth bounds the number of queued stage rows.
	QueueDepth int `mapstructure:"queue_depth"`
}

// DefaultThresholds are 5 minutes p95, 10% errors and 100 queued rows.
func DefaultThresholds() Thresholds {
	return Thresholds{DurationSeconds: 300, ErrorRate: 0.1, QueueDepth: 100}
}

// AlertType names the signal that crossed its threshold.
type AlertType string

const (
	AlertDuration   AlertType = "duration"
	AlertErrorRate  AlertType = "error_rate"
	AlertQueueDepth AlertType = "queue_depth"
	// AlertStaleInflight flags deliveries that outlived their visibility
	// timeout without completing, usually after a worker crash.
	AlertStaleInflight AlertType = "stale_inflight"
)

// Severity of a health alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach.
type Alert struct {
	Stage     string    `json:"stage"`
	Type      AlertType `json:"alert_type"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
	Severity  Severity  `json:"severity"`
}

// StageHealth holds the signals evaluated for one stage.
type StageHealth struct {
	Stage       string  `json:"stage"`
	P95Duration float64 `json:"p95_duration_seconds"`
	ErrorRate   float64 `json:"error_rate"`
	Durations   int     `json:"duration_count"`
	Failures    int     `json:"failure_count"`
	Queued      int     `json:"queued"`
	Stale       int     `json:"stale_inflight"`
}

// Report is the result of a health check.
type Report struct {
	Status     health.Status `json:"status"`
	Stages     []StageHealth `json:"stages"`
	Alerts     []Alert       `json:"alerts"`
	Thresholds Thresholds    `json:"thresholds"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// severityFor is warning above threshold and critical at twice the
// threshold or more.
func severityFor(observed, threshold float64) (Severity, bool) {
	if threshold <= 0 || observed <= threshold {
		return "", false
	}
	if observed >= 2*threshold {
		return SeverityCritical, true
	}
	return SeverityWarning, true
}

// HealthCheck evaluates every stage against thresholds over the last hour
// of samples and the current queued counts. It records nothing.
func (m *Monitor) HealthCheck(ctx context.Context, thresholds Thresholds) (*Report, error) {
	now := m.now()
	stats, err := m.store.StageStats(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	counts, err := m.depth.DepthCounts(ctx)
	if err != nil {
		return nil, err
	}

	byStage := make(map[string]*StageHealth)
	entry := func(stage string) *StageHealth {
		h, ok := byStage[stage]
		if !ok {
			h = &StageHealth{Stage: stage}
			byStage[stage] = h
		}
		return h
	}
	for _, s := range stats {
		h := entry(s.Stage)
		h.P95Duration = s.P95Duration
		h.ErrorRate = s.ErrorRate()
		h.Durations = s.Durations
		h.Failures = s.Failures
	}
	for _, c := range counts {
		if c.Status == "queued" {
			entry(c.Stage).Queued += c.Count
		}
	}
	if source, ok := m.depth.(StaleSource); ok {
		stale, err := source.StaleCounts(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range stale {
			entry(c.Stage).Stale += c.Count
		}
	}

	report := &Report{
		Status:     health.StatusHealthy,
		Stages:     make([]StageHealth, 0, len(byStage)),
		Alerts:     make([]Alert, 0),
		Thresholds: thresholds,
		CheckedAt:  now,
	}
	for _, h := range byStage {
		report.Stages = append(report.Stages, *h)
	}
	sort.Slice(report.Stages, func(i, j int) bool { return report.Stages[i].Stage < report.Stages[j].Stage })

	for _, h := range report.Stages {
		checks := []struct {
			kind      AlertType
			observed  float64
			threshold float64
		}{
			{AlertDuration, h.P95Duration, thresholds.DurationSeconds},
			{AlertErrorRate, h.ErrorRate, thresholds.ErrorRate},
			{AlertQueueDepth, float64(h.Queued), float64(thresholds.QueueDepth)},
		}
		for _, c := range checks {
			severity, breached := severityFor(c.observed, c.threshold)
			if !breached {
				continue
			}
			report.Alerts = append(report.Alerts, Alert{
				Stage:     h.Stage,
				Type:      c.kind,
				Observed:  c.observed,
				Threshold: c.threshold,
				Severity:  severity,
			})
			if severity == SeverityCritical {
				report.Status = health.StatusUnhealthy
			} else {
				report.Status = health.Worst(report.Status, health.StatusDegraded)
			}
		}
		// The queue redelivers stale rows, so they only degrade health.
		if h.Stale > 0 {
			report.Alerts = append(report.Alerts, Alert{
				Stage:    h.Stage,
				Type:     AlertStaleInflight,
				Observed: float64(h.Stale),
				Severity: SeverityWarning,
			})
			report.Status = health.Worst(report.Status, health.StatusDegraded)
		}
	}

	warnings, criticals := 0, 0
	for _, a := range report.Alerts {
		if a.Severity == SeverityCritical {
			criticals++
		} else {
			warnings++
		}
	}
	healthAlerts.WithLabelValues(string(SeverityWarning)).Set(float64(warnings))
	healthAlerts.WithLabelValues(string(SeverityCritical)).Set(float64(criticals))
	return report, nil
}

// Summary renders a one-line description of the report.
func (r *Report) Summary() string {
	if len(r.Alerts) == 0 {
		return fmt.Sprintf("pipeline %s: %d stages within thresholds", r.Status, len(r.Stages))
	}
	first := r.Alerts[0]
	return fmt.Sprintf("pipeline %s: %d alerts, first %s %s at %.2f (threshold %.2f)",
		r.Status, len(r.Alerts), first.Stage, first.Type, first.Observed, first.Threshold)
}

// HealthChecker exposes the pipeline health report as a health.Checker.
type HealthChecker struct {
	name       string
	monitor    *Monitor
	thresholds Thresholds
}

// NewHealthChecker creates a checker named name.
func NewHealthChecker(name string, m *Monitor, thresholds Thresholds) *HealthChecker {
	return &HealthChecker{name: name, monitor: m, thresholds: thresholds}
}

func (c *HealthChecker) Name() string {
	return c.name
}

func (c *HealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	result := health.CheckResult{Name: c.name, Timestamp: start}
	report, err := c.monitor.HealthCheck(ctx, c.thresholds)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = health.StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	result.Status = report.Status
	result.Message = report.Summary()
	result.Metadata = map[string]any{"alerts": report.Alerts}
	return result
}
