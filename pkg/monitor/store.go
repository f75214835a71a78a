package monitor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists samples and their hourly rollups.
type Store interface {
	// AppendSample stores sample and assigns its ID.
	AppendSample(ctx context.Context, sample *Sample) error
	// RefreshRollups recomputes every bucket starting at or after since and
	// drops older buckets. It returns the number of buckets written.
	RefreshRollups(ctx context.Context, since, now time.Time) (int, error)
	ListRollups(ctx context.Context, filter RollupFilter) ([]*Rollup, error)
	// StageStats aggregates duration and failure samples recorded at or
	// after since, per stage.
	StageStats(ctx context.Context, since time.Time) ([]StageStats, error)
}

type rollupKey struct {
	stage  string
	metric MetricType
	bucket time.Time
}

// MemoryStore keeps samples and rollups in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	samples []Sample
	rollups map[rollupKey]*Rollup
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rollups: make(map[rollupKey]*Rollup)}
}

func (s *MemoryStore) AppendSample(_ context.Context, sample *Sample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sample.ID = s.nextID
	copied := *sample
	s.samples = append(s.samples, copied)
	return nil
}

// Samples returns a copy of every stored sample.
func (s *MemoryStore) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Sample(nil), s.samples...)
}

func (s *MemoryStore) RefreshRollups(_ context.Context, since, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[rollupKey][]float64)
	for _, sample := range s.samples {
		if sample.RecordedAt.Before(since) {
			continue
		}
		key := rollupKey{stage: sample.Stage, metric: sample.Type, bucket: bucketOf(sample.RecordedAt)}
		groups[key] = append(groups[key], sample.Value)
	}
	for key := range s.rollups {
		if key.bucket.Before(since) {
			delete(s.rollups, key)
		}
	}
	for key, values := range groups {
		s.rollups[key] = summarize(key.stage, key.metric, key.bucket, values, now)
	}
	return len(groups), nil
}

func (s *MemoryStore) ListRollups(_ context.Context, filter RollupFilter) ([]*Rollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rollup, 0)
	for _, rollup := range s.rollups {
		if filter.Stage != "" && rollup.Stage != filter.Stage {
			continue
		}
		if filter.Type != "" && rollup.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && rollup.Bucket.Before(filter.Since) {
			continue
		}
		copied := *rollup
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.After(out[j].Bucket)
		}
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Type < out[j].Type
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StageStats(_ context.Context, since time.Time) ([]StageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type acc struct {
		stats     StageStats
		durations []float64
	}
	byStage := make(map[string]*acc)
	for _, sample := range s.samples {
		if sample.RecordedAt.Before(since) {
			continue
		}
		if sample.Type != MetricDuration && sample.Type != MetricFailure {
			continue
		}
		a, ok := byStage[sample.Stage]
		if !ok {
			a = &acc{stats: StageStats{Stage: sample.Stage}}
			byStage[sample.Stage] = a
		}
		if sample.Type == MetricDuration {
			a.stats.Durations++
			a.durations = append(a.durations, sample.Value)
		} else {
			a.stats.Failures++
		}
	}
	out := make([]StageStats, 0, len(byStage))
	for _, a := range byStage {
		sort.Float64s(a.durations)
		a.stats.P95Duration = percentile(a.durations, 0.95)
		out = append(out, a.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}
