package monitor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/conveyor/pkg/health"
	"github.com/nimburion/conveyor/pkg/store/postgres"
	"github.com/nimburion/conveyor/pkg/testutil"
)

type staticDepth struct {
	counts []DepthCount
	err    error
}

func (s *staticDepth) DepthCounts(context.Context) ([]DepthCount, error) {
	return s.counts, s.err
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) AppendSample(context.Context, *Sample) error {
	return errors.New("disk full")
}

var testNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, store Store, depth DepthSource) *Monitor {
	t.Helper()
	m, err := New(store, depth, testutil.NopLogger{}, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m
}

func TestPercentile_MatchesPercentileCont(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	cases := map[float64]float64{0.5: 5.5, 0.95: 9.55, 0.99: 9.91, 0: 1, 1: 10}
	for p, want := range cases {
		if got := percentile(values, p); math.Abs(got-want) > 1e-9 {
			t.Fatalf("percentile(%v) = %v, want %v", p, got, want)
		}
	}
	if percentile(nil, 0.5) != 0 || percentile([]float64{42}, 0.99) != 42 {
		t.Fatal("unexpected degenerate percentiles")
	}
}

func TestMonitor_RecordMetricValidatesAndNeverFails(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMonitor(t, store, &staticDepth{})
	ctx := context.Background()

	m.RecordMetric(ctx, Sample{JobID: "job-1", Stage: "draft", Type: MetricDuration, Value: 12})
	m.RecordMetric(ctx, Sample{Stage: "draft", Type: "latency", Value: 1})
	m.RecordMetric(ctx, Sample{Stage: "", Type: MetricFailure, Value: 1})

	samples := store.Samples()
	if len(samples) != 1 || samples[0].ID != 1 || !samples[0].RecordedAt.Equal(testNow) {
		t.Fatalf("unexpected samples: %+v", samples)
	}

	log := &testutil.RecordingLogger{}
	recorder, err := NewRecorder(failingStore{NewMemoryStore()}, log)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	recorder.RecordMetric(ctx, Sample{Stage: "draft", Type: MetricAttempt, Value: 1})
	if !log.Has("warn", "failed to record metric sample") {
		t.Fatalf("expected a warning, got %s", log)
	}
}

func TestMonitor_RefreshRollupsBucketsByHour(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMonitor(t, store, &staticDepth{})
	ctx := context.Background()

	record := func(stage string, metric MetricType, value float64, at time.Time) {
		if err := store.AppendSample(ctx, &Sample{Stage: stage, Type: metric, Value: value, RecordedAt: at}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	hour := testNow.Truncate(time.Hour)
	for i := 1; i <= 10; i++ {
		record("draft", MetricDuration, float64(i), hour.Add(time.Duration(i)*time.Minute))
	}
	record("draft", MetricDuration, 100, hour.Add(-30*time.Minute))
	record("draft", MetricFailure, 1, hour.Add(5*time.Minute))
	record("draft", MetricDuration, 1, testNow.Add(-8*24*time.Hour))

	written, err := m.RefreshRollups(ctx, 0)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if written != 3 {
		t.Fatalf("expected three buckets, got %d", written)
	}

	rollups, err := m.ListRollups(ctx, RollupFilter{Stage: "draft", Type: MetricDuration})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("expected two duration buckets inside the window, got %d", len(rollups))
	}
	latest := rollups[0]
	if !latest.Bucket.Equal(hour) || latest.Count != 10 || latest.Min != 1 || latest.Max != 10 || latest.Avg != 5.5 {
		t.Fatalf("unexpected latest bucket: %+v", latest)
	}
	if math.Abs(latest.P95-9.55) > 1e-9 || latest.P50 != 5.5 {
		t.Fatalf("unexpected percentiles: %+v", latest)
	}

	// A second refresh with a narrower window drops buckets that left it.
	if _, err := m.RefreshRollups(ctx, 10*time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rollups, _ = m.ListRollups(ctx, RollupFilter{Type: MetricDuration})
	if len(rollups) != 1 {
		t.Fatalf("expected one bucket after narrowing the window, got %d", len(rollups))
	}
}

func TestMonitor_CaptureQueueDepthSnapshot(t *testing.T) {
	store := NewMemoryStore()
	depth := &staticDepth{counts: []DepthCount{
		{Stage: "research", Status: "queued", Count: 4},
		{Stage: "research", Status: "processing", Count: 2},
	}}
	m := newTestMonitor(t, store, depth)

	counts, err := m.CaptureQueueDepthSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	samples := store.Samples()
	if len(samples) != 2 || samples[0].Type != MetricQueueDepth || samples[0].Value != 4 || samples[0].Metadata["status"] != "queued" {
		t.Fatalf("unexpected samples: %+v", samples)
	}

	depth.err = errors.New("store down")
	if _, err := m.CaptureQueueDepthSnapshot(context.Background()); err == nil {
		t.Fatal("expected depth source error")
	}
}

func TestMonitor_HealthCheckSeverityRules(t *testing.T) {
	ctx := context.Background()
	thresholds := Thresholds{DurationSeconds: 60, ErrorRate: 0.2, QueueDepth: 10}

	cases := []struct {
		name      string
		durations []float64
		failures  int
		queued    int
		status    health.Status
		alerts    map[AlertType]Severity
	}{
		{"healthy", []float64{10, 20, 30}, 0, 5, health.StatusHealthy, map[AlertType]Severity{}},
		{"slow warning", []float64{90, 90, 90}, 0, 0, health.StatusDegraded, map[AlertType]Severity{AlertDuration: SeverityWarning}},
		{"slow critical", []float64{120, 120}, 0, 0, health.StatusUnhealthy, map[AlertType]Severity{AlertDuration: SeverityCritical}},
		{"error warning", []float64{1, 1, 1}, 1, 0, health.StatusDegraded, map[AlertType]Severity{AlertErrorRate: SeverityWarning}},
		{"error critical and deep", []float64{1}, 1, 25, health.StatusUnhealthy, map[AlertType]Severity{
			AlertErrorRate:  SeverityCritical,
			AlertQueueDepth: SeverityCritical,
		}},
		{"depth at threshold", nil, 0, 10, health.StatusHealthy, map[AlertType]Severity{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			for _, d := range tc.durations {
				_ = store.AppendSample(ctx, &Sample{Stage: "qa", Type: MetricDuration, Value: d, RecordedAt: testNow.Add(-10 * time.Minute)})
			}
			for i := 0; i < tc.failures; i++ {
				_ = store.AppendSample(ctx, &Sample{Stage: "qa", Type: MetricFailure, Value: 1, RecordedAt: testNow.Add(-time.Minute)})
			}
			// Older than an hour, ignored.
			_ = store.AppendSample(ctx, &Sample{Stage: "qa", Type: MetricFailure, Value: 1, RecordedAt: testNow.Add(-2 * time.Hour)})
			depth := &staticDepth{counts: []DepthCount{{Stage: "qa", Status: "queued", Count: tc.queued}}}
			m := newTestMonitor(t, store, depth)

			report, err := m.HealthCheck(ctx, thresholds)
			if err != nil {
				t.Fatalf("health: %v", err)
			}
			if report.Status != tc.status {
				t.Fatalf("status: want %s, got %s (%+v)", tc.status, report.Status, report.Alerts)
			}
			if len(report.Alerts) != len(tc.alerts) {
				t.Fatalf("alerts: want %v, got %+v", tc.alerts, report.Alerts)
			}
			for _, a := range report.Alerts {
				if tc.alerts[a.Type] != a.Severity || a.Stage != "qa" {
					t.Fatalf("unexpected alert %+v", a)
				}
			}
			if len(store.Samples()) != len(tc.durations)+tc.failures+1 {
				t.Fatal("health check must not record samples")
			}
		})
	}
}

type staleDepth struct {
	staticDepth
	stale []DepthCount
	err   error
}

func (s *staleDepth) StaleCounts(context.Context) ([]DepthCount, error) {
	return s.stale, s.err
}

func TestMonitor_HealthCheckFlagsStaleInflight(t *testing.T) {
	ctx := context.Background()
	depth := &staleDepth{
		staticDepth: staticDepth{counts: []DepthCount{{Stage: "qa", Status: "processing", Count: 3}}},
		stale:       []DepthCount{{Stage: "qa", Status: "processing", Count: 2}},
	}
	m := newTestMonitor(t, NewMemoryStore(), depth)

	report, err := m.HealthCheck(ctx, DefaultThresholds())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != health.StatusDegraded {
		t.Fatalf("expected degraded, got %s (%+v)", report.Status, report.Alerts)
	}
	if len(report.Alerts) != 1 {
		t.Fatalf("expected one alert, got %+v", report.Alerts)
	}
	got := report.Alerts[0]
	if got.Type != AlertStaleInflight || got.Stage != "qa" || got.Observed != 2 || got.Severity != SeverityWarning {
		t.Fatalf("unexpected alert %+v", got)
	}
	if len(report.Stages) != 1 || report.Stages[0].Stale != 2 {
		t.Fatalf("unexpected stages %+v", report.Stages)
	}

	depth.stale = nil
	if report, _ := m.HealthCheck(ctx, DefaultThresholds()); report.Status != health.StatusHealthy || len(report.Alerts) != 0 {
		t.Fatalf("expected healthy without stale rows, got %+v", report)
	}

	depth.err = errors.New("store down")
	if _, err := m.HealthCheck(ctx, DefaultThresholds()); err == nil {
		t.Fatal("expected the stale count error")
	}
}

func TestHealthChecker_MapsReportStatus(t *testing.T) {
	store := NewMemoryStore()
	depth := &staticDepth{counts: []DepthCount{{Stage: "export", Status: "queued", Count: 500}}}
	checker := NewHealthChecker("pipeline", newTestMonitor(t, store, depth), DefaultThresholds())

	result := checker.Check(context.Background())
	if result.Name != "pipeline" || result.Status != health.StatusUnhealthy || result.Message == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	depth.err = errors.New("boom")
	if failed := checker.Check(context.Background()); failed.Status != health.StatusUnhealthy || failed.Error == "" {
		t.Fatalf("unexpected failure result: %+v", failed)
	}
}

func newPostgresStoreMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	adapter, err := postgres.NewWithDB(db, postgres.Config{}, testutil.NopLogger{})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return NewPostgresStore(adapter), mock
}

func TestPostgresStore_AppendSample(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	mock.ExpectQuery("INSERT INTO metric_samples").
		WithArgs(nil, "draft", "queue_depth", 7.0, 0, 0, []byte(`{"status":"queued"}`), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	sample := &Sample{Stage: "draft", Type: MetricQueueDepth, Value: 7, Metadata: map[string]any{"status": "queued"}, RecordedAt: testNow}
	if err := store.AppendSample(context.Background(), sample); err != nil {
		t.Fatalf("append: %v", err)
	}
	if sample.ID != 11 {
		t.Fatalf("expected id 11, got %d", sample.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_RefreshRollupsUsesPercentileCont(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	since := testNow.Add(-7 * 24 * time.Hour).Truncate(time.Hour)

	mock.ExpectExec("INSERT INTO metric_rollups .*percentile_cont\\(0.95\\).*ON CONFLICT \\(stage, metric_type, bucket\\) DO UPDATE").
		WithArgs(since, testNow).
		WillReturnResult(sqlmock.NewResult(0, 6))
	mock.ExpectExec("DELETE FROM metric_rollups WHERE bucket < \\$1").
		WithArgs(since).
		WillReturnResult(sqlmock.NewResult(0, 2))

	written, err := store.RefreshRollups(context.Background(), since, testNow)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if written != 6 {
		t.Fatalf("expected 6 buckets, got %d", written)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_StageStats(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	since := testNow.Add(-time.Hour)
	mock.ExpectQuery("FROM metric_samples").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"stage", "durations", "failures", "p95"}).
			AddRow("draft", 9, 1, 42.5).
			AddRow("qa", 0, 3, nil))

	stats, err := store.StageStats(context.Background(), since)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 || stats[0].P95Duration != 42.5 || stats[0].ErrorRate() != 0.1 || stats[1].ErrorRate() != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
