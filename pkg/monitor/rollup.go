package monitor

import (
	"math"
	"sort"
	"time"
)

// DefaultRollupWindow is the rolling window RefreshRollups covers.
const DefaultRollupWindow = 7 * 24 * time.Hour

// Rollup summarizes the samples of one (stage, metric type) pair recorded
// in one hour.
type Rollup struct {
	Stage       string     `json:"stage"`
	Type        MetricType `json:"metric_type"`
	Bucket      time.Time  `json:"bucket"`
	Count       int        `json:"count"`
	Avg         float64    `json:"avg"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	P50         float64    `json:"p50"`
	P95         float64    `json:"p95"`
	P99         float64    `json:"p99"`
	RefreshedAt time.Time  `json:"refreshed_at"`
}

// RollupFilter narrows ListRollups. Zero fields are ignored.
type RollupFilter struct {
	Stage string
	Type  MetricType
	Since time.Time
	Limit int
}

const (
	defaultRollupLimit = 168
	maxRollupLimit     = 5000
)

func (f RollupFilter) limit() int {
	if f.Limit <= 0 {
		return defaultRollupLimit
	}
	return min(f.Limit, maxRollupLimit)
}

// StageStats aggregates the duration and failure samples of one stage
// since a point in time.
type StageStats struct {
	Stage       string  `json:"stage"`
	Durations   int     `json:"duration_count"`
	Failures    int     `json:"failure_count"`
	P95Duration float64 `json:"p95_duration"`
}

// ErrorRate is failures / (failures + durations), zero without samples.
func (s StageStats) ErrorRate() float64 {
	total := s.Failures + s.Durations
	if total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(total)
}

func bucketOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// percentile interpolates linearly between the closest ranks of sorted,
// matching percentile_cont.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1:
		return sorted[0]
	}
	pos := p * float64(n-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (pos-float64(lower))*(sorted[upper]-sorted[lower])
}

func summarize(stage string, metric MetricType, bucket time.Time, values []float64, now time.Time) *Rollup {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return &Rollup{
		Stage:       stage,
		Type:        metric,
		Bucket:      bucket,
		Count:       len(sorted),
		Avg:         sum / float64(len(sorted)),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		P50:         percentile(sorted, 0.50),
		P95:         percentile(sorted, 0.95),
		P99:         percentile(sorted, 0.99),
		RefreshedAt: now,
	}
}
