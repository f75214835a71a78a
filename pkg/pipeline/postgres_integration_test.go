package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/migrate"
	"github.com/nimburion/conveyor/pkg/queue"
	"github.com/nimburion/conveyor/pkg/store/postgres"
	"github.com/nimburion/conveyor/pkg/testutil"
)

// TestTracker_PostgresIntegration runs the stage lifecycle on the migrated
// schema with the Postgres queue, job store and dead-letter store.
func TestTracker_PostgresIntegration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("conveyor"),
		tcpostgres.WithUsername("conveyor"),
		tcpostgres.WithPassword("conveyor"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	adapter, err := postgres.Open(postgres.Config{URL: connStr}, testutil.NopLogger{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer adapter.Close()

	manager, err := migrate.NewEmbeddedManager(adapter.DB(), "schema_migrations")
	if err != nil {
		t.Fatalf("migration manager: %v", err)
	}
	if applied, err := manager.Up(ctx); err != nil || applied == 0 {
		t.Fatalf("migrate up: applied=%d err=%v", applied, err)
	}

	q, err := queue.NewPostgresQueue(adapter)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	for _, name := range []string{"research", "outline"} {
		if err := q.Create(ctx, name); err != nil {
			t.Fatalf("create queue %s: %v", name, err)
		}
	}

	cfg := DefaultConfig()
	cfg.Pipelines = Pipelines{"content": {"research", "outline"}}
	tracker, err := NewTracker(NewPostgresStore(adapter), q, deadletter.NewPostgresStore(adapter), cfg, testutil.NopLogger{})
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}

	t.Run("CompleteAndAdvance", func(t *testing.T) {
		job, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", Payload: json.RawMessage(`{"topic":"go"}`)})
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		d, err := tracker.DequeueStage(ctx, "research", time.Minute)
		if err != nil || d == nil {
			t.Fatalf("dequeue: %v", err)
		}
		if d.Message.JobID != job.ID || d.State.Status != StageProcessing {
			t.Fatalf("unexpected delivery %+v", d.State)
		}
		if _, err := tracker.MarkCompleted(ctx, CompleteRequest{Queue: d.Queue, MsgID: d.ID, JobID: job.ID, Stage: "research", Result: json.RawMessage(`{"sources":2}`)}); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := tracker.EnqueueStage(ctx, EnqueueRequest{JobID: job.ID, Stage: "outline"}); err != nil {
			t.Fatalf("enqueue outline: %v", err)
		}
		stages, err := tracker.ListStages(ctx, job.ID)
		if err != nil || len(stages) != 2 {
			t.Fatalf("expected two stages, got %d (%v)", len(stages), err)
		}
		backlog, err := tracker.Backlog(ctx, "outline")
		if err != nil || backlog.Ready != 1 {
			t.Fatalf("expected one ready outline row, got %+v (%v)", backlog, err)
		}
	})

	t.Run("DeadLetterAndReplay", func(t *testing.T) {
		job, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "research"})
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		d, err := tracker.DequeueStage(ctx, "research", time.Minute)
		if err != nil || d == nil {
			t.Fatalf("dequeue: %v", err)
		}
		record, err := tracker.MoveToDeadLetter(ctx, DeadLetterRequest{
			Queue:         d.Queue,
			MsgID:         d.ID,
			JobID:         job.ID,
			Stage:         "research",
			FailureReason: deadletter.ReasonNonRetryable,
			LastError:     "invalid topic",
		})
		if err != nil {
			t.Fatalf("dead letter: %v", err)
		}
		records, err := tracker.ListDeadLetters(ctx, deadletter.Filter{JobID: job.ID})
		if err != nil || len(records) != 1 || records[0].ID != record.ID {
			t.Fatalf("expected the dead-letter record, got %v (%v)", records, err)
		}
		replayed, err := tracker.ReplayDeadLetter(ctx, record.ID)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if replayed.Stage.Status != StageQueued || replayed.MsgID == "" {
			t.Fatalf("unexpected replay result %+v", replayed.Stage)
		}
	})

	t.Run("ReconcileAdvancesCompletedStage", func(t *testing.T) {
		job, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "research"})
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		d, err := tracker.DequeueStage(ctx, "research", time.Minute)
		if err != nil || d == nil {
			t.Fatalf("dequeue: %v", err)
		}
		if _, err := tracker.MarkCompleted(ctx, CompleteRequest{Queue: d.Queue, MsgID: d.ID, JobID: job.ID, Stage: "research"}); err != nil {
			t.Fatalf("complete: %v", err)
		}
		report, err := tracker.Reconcile(ctx, 0, 10)
		if err != nil || report.Advanced != 1 || report.Failed != 0 {
			t.Fatalf("expected one advanced stage, got %+v (%v)", report, err)
		}
		outline, err := NewPostgresStore(adapter).GetStage(ctx, job.ID, "outline")
		if err != nil || outline.Status != StageQueued {
			t.Fatalf("expected outline queued, got %+v (%v)", outline, err)
		}
	})
}
