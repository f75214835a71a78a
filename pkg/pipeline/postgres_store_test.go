package pipeline

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/nimburion/conveyor/pkg/store/postgres"
	"github.com/nimburion/conveyor/pkg/testutil"
)

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

// driverRow converts store values into values sqlmock hands to Scan.
func driverRow(values []any) []driver.Value {
	out := make([]driver.Value, len(values))
	for i, v := range values {
		switch typed := v.(type) {
		case sql.NullTime:
			if typed.Valid {
				out[i] = typed.Time
			}
		default:
			out[i] = v
		}
	}
	return out
}

func sampleJob(now time.Time, status JobStatus) *Job {
	return &Job{
		ID:                uuid.NewString(),
		JobType:           "content",
		Status:            status,
		Stage:             "research",
		Payload:           []byte(`{"topic":"queues"}`),
		MaxAttempts:       3,
		RetryDelaySeconds: 60,
		CreatedAt:         now,
		UpdatedAt:         now,
		FirstQueuedAt:     timePtr(now),
		LastQueuedAt:      timePtr(now),
	}
}

func sampleStage(job *Job, status StageStatus, now time.Time) *StageState {
	return &StageState{
		JobID:                    job.ID,
		Stage:                    "research",
		Queue:                    "research",
		Status:                   status,
		Payload:                  job.Payload,
		MaxAttempts:              3,
		RetryDelaySeconds:        60,
		VisibilityTimeoutSeconds: 600,
		AvailableAt:              now,
		LastQueuedAt:             timePtr(now),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

func TestPostgresStore_CreateJobInsertsBothRowsInOneTransaction(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobQueued)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_stages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.CreateJob(context.Background(), job, sampleStage(job, StageQueued, now)); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_CreateJobRollsBackWhenStageInsertFails(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobQueued)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_stages").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	if err := store.CreateJob(context.Background(), job, sampleStage(job, StageQueued, now)); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_GetJob(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobProcessing)

	mock.ExpectQuery("SELECT id, job_type, status .* FROM jobs WHERE id = \\$1").
		WithArgs(job.ID).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(driverRow(jobValues(job))...))

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobProcessing || string(got.Payload) != `{"topic":"queues"}` || got.FirstQueuedAt == nil || got.LastFailedAt != nil {
		t.Fatalf("unexpected job: %+v", got)
	}

	if _, err := store.GetJob(context.Background(), "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}

	missing := uuid.NewString()
	mock.ExpectQuery("FROM jobs WHERE id = \\$1").WithArgs(missing).WillReturnError(sql.ErrNoRows)
	if _, err := store.GetJob(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_MarkDequeuedUpdatesRowsOnReadVersion(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobQueued)
	stage := sampleStage(job, StageQueued, now)

	mock.ExpectQuery("FROM jobs WHERE id = \\$1").
		WithArgs(job.ID).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(driverRow(jobValues(job))...))
	mock.ExpectQuery("FROM job_stages WHERE job_id = \\$1 AND stage = \\$2").
		WithArgs(job.ID, "research").
		WillReturnRows(sqlmock.NewRows(stageColumns).AddRow(driverRow(stageValues(stage))...))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE job_stages SET .* AND status = \\$24 AND updated_at = \\$25").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET .* WHERE id = \\$1 AND updated_at = \\$20").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	visibleUntil := now.Add(10 * time.Minute)
	state, err := store.MarkDequeued(context.Background(), job.ID, "research", visibleUntil, now)
	if err != nil {
		t.Fatalf("mark dequeued: %v", err)
	}
	if state.Status != StageProcessing || state.AttemptCount != 1 || !state.VisibleUntil.Equal(visibleUntil) {
		t.Fatalf("unexpected stage: %+v", state)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_MarkDequeuedRetriesOnConcurrentWrite(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobQueued)
	stage := sampleStage(job, StageQueued, now)

	// The first round loses the stage update to a concurrent writer.
	mock.ExpectQuery("FROM jobs WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(driverRow(jobValues(job))...))
	mock.ExpectQuery("FROM job_stages WHERE job_id = \\$1 AND stage = \\$2").
		WillReturnRows(sqlmock.NewRows(stageColumns).AddRow(driverRow(stageValues(stage))...))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE job_stages SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("FROM jobs WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(driverRow(jobValues(job))...))
	mock.ExpectQuery("FROM job_stages WHERE job_id = \\$1 AND stage = \\$2").
		WillReturnRows(sqlmock.NewRows(stageColumns).AddRow(driverRow(stageValues(stage))...))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE job_stages SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := store.MarkDequeued(context.Background(), job.ID, "research", now.Add(time.Minute), now); err != nil {
		t.Fatalf("mark dequeued: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_MarkDequeuedRejectsTerminalJob(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobCompleted)
	stage := sampleStage(job, StageCompleted, now)

	mock.ExpectQuery("FROM jobs WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(driverRow(jobValues(job))...))
	mock.ExpectQuery("FROM job_stages WHERE job_id = \\$1 AND stage = \\$2").
		WillReturnRows(sqlmock.NewRows(stageColumns).AddRow(driverRow(stageValues(stage))...))

	if _, err := store.MarkDequeued(context.Background(), job.ID, "research", now.Add(time.Minute), now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_UpsertStageOnFinishedStageIsTerminal(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobProcessing)

	mock.ExpectQuery("FROM jobs WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(driverRow(jobValues(job))...))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO job_stages .* ON CONFLICT \\(job_id, stage\\) DO UPDATE").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.UpsertStage(context.Background(), StageUpsert{
		JobID: job.ID, Stage: "research", Queue: "research", Priority: 5, AvailableAt: now, Now: now,
	}, DefaultUpsertPolicy())
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_ListStalledAndStaleCounts(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := sampleJob(now, JobProcessing)
	stage := sampleStage(job, StagePending, now.Add(-time.Hour))
	cutoff := now.Add(-5 * time.Minute)

	mock.ExpectQuery("FROM job_stages s JOIN jobs j ON j.id = s.job_id").
		WithArgs(cutoff, DefaultReconcileLimit).
		WillReturnRows(sqlmock.NewRows(stageColumns).AddRow(driverRow(stageValues(stage))...))
	mock.ExpectQuery("WHERE status = 'processing' AND visible_until <= \\$1 GROUP BY stage").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"stage", "count"}).AddRow("research", 2))

	stalled, err := store.ListStalled(context.Background(), cutoff, 0)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].JobID != job.ID || stalled[0].Status != StagePending {
		t.Fatalf("unexpected stalled stages: %+v", stalled)
	}
	stale, err := store.StaleCounts(context.Background(), now)
	if err != nil {
		t.Fatalf("stale counts: %v", err)
	}
	if len(stale) != 1 || stale[0].Stage != "research" || stale[0].Status != StageProcessing || stale[0].Count != 2 {
		t.Fatalf("unexpected stale counts: %+v", stale)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertStageSQL_RendersPolicy(t *testing.T) {
	def := upsertStageSQL(DefaultUpsertPolicy())
	for _, want := range []string{
		"priority = GREATEST(job_stages.priority, EXCLUDED.priority)",
		"available_at = EXCLUDED.available_at",
		"visibility_timeout_seconds = EXCLUDED.visibility_timeout_seconds",
		"WHERE job_stages.status NOT IN ('completed', 'failed')",
	} {
		if !strings.Contains(def, want) {
			t.Fatalf("default policy SQL misses %q", want)
		}
	}
	if strings.Contains(def, "attempt_count = ") {
		t.Fatal("upsert must never overwrite attempt_count")
	}

	custom := upsertStageSQL(UpsertPolicy{Priority: PriorityPreserve, Availability: AvailabilityEarliest, Visibility: VisibilityPreserve})
	for _, want := range []string{
		"priority = job_stages.priority",
		"LEAST(job_stages.available_at, EXCLUDED.available_at)",
		"THEN job_stages.visibility_timeout_seconds",
	} {
		if !strings.Contains(custom, want) {
			t.Fatalf("custom policy SQL misses %q", want)
		}
	}
}

func TestPostgresStore_BacklogAndStatusCounts(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("COUNT\\(\\*\\) FILTER").
		WithArgs("research", now).
		WillReturnRows(sqlmock.NewRows([]string{"ready", "inflight", "stale"}).AddRow(10, 1, 2))
	mock.ExpectQuery("GROUP BY stage, status").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "status", "count"}).
			AddRow("research", "processing", 1).
			AddRow("research", "queued", 10))

	backlog, err := store.Backlog(context.Background(), "research", now)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog.Ready != 10 || backlog.Inflight != 1 || backlog.Stale != 2 {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}
	counts, err := store.StageStatusCounts(context.Background())
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if len(counts) != 2 || counts[1].Status != StageQueued || counts[1].Count != 10 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_AppendEventAllowsStageLevelEvents(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO job_events").
		WithArgs(sqlmock.AnyArg(), nil, "research", "dispatched", "", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &Event{Stage: "research", Kind: EventDispatched, Metadata: map[string]any{"dispatch_id": "d-1"}, CreatedAt: now}
	if err := store.AppendEvent(context.Background(), event); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if event.ID == "" {
		t.Fatal("expected generated event id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
