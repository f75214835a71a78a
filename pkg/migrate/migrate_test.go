package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/conveyor/pkg/testutil"
)

func testOperations() Operations {
	return Operations{
		Up:   func(context.Context) (int, error) { return 2, nil },
		Down: func(_ context.Context, steps int) (int, error) { return steps, nil },
		Status: func(context.Context) (*Status, error) {
			return &Status{AppliedVersions: []int64{1}, Pending: []PendingMigration{{Version: 2, Name: "dead_letters"}}}, nil
		},
	}
}

func TestExecuteCommands(t *testing.T) {
	log := &testutil.RecordingLogger{}
	opts := Options{Logger: log}
	ctx := context.Background()

	up, err := Execute(ctx, CommandUp, 0, opts, testOperations())
	if err != nil || up.Applied != 2 || up.Command != CommandUp {
		t.Fatalf("unexpected up result %+v (%v)", up, err)
	}
	down, err := Execute(ctx, CommandDown, 3, opts, testOperations())
	if err != nil || down.Reverted != 3 {
		t.Fatalf("unexpected down result %+v (%v)", down, err)
	}
	status, err := Execute(ctx, CommandStatus, 0, opts, testOperations())
	if err != nil || status.Status == nil || len(status.Status.Pending) != 1 {
		t.Fatalf("unexpected status result %+v (%v)", status, err)
	}
	for _, msg := range []string{"migrations applied", "migrations reverted", "migration status"} {
		if !log.Has("info", msg) {
			t.Errorf("expected %q to be logged, got %s", msg, log)
		}
	}
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	opts := Options{Logger: testutil.NopLogger{}}

	if _, err := Execute(ctx, CommandUp, 0, Options{}, testOperations()); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := Execute(ctx, CommandUp, 0, opts, Operations{}); err == nil {
		t.Fatal("expected operations error")
	}
	if _, err := Execute(ctx, CommandDown, 0, opts, testOperations()); err == nil {
		t.Fatal("expected steps error")
	}
	if _, err := Execute(ctx, "sideways", 0, opts, testOperations()); err == nil || !strings.Contains(err.Error(), "unknown migration command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestExecutePropagatesOperationError(t *testing.T) {
	boom := errors.New("boom")
	ops := testOperations()
	ops.Up = func(context.Context) (int, error) { return 0, boom }

	_, err := Execute(context.Background(), CommandUp, 0, Options{Logger: testutil.NopLogger{}}, ops)
	if !errors.Is(err, boom) || !strings.HasPrefix(err.Error(), "migrate up") {
		t.Fatalf("expected wrapped boom error, got %v", err)
	}
}

func TestExecuteAppliesTimeout(t *testing.T) {
	ops := testOperations()
	ops.Up = func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	_, err := Execute(context.Background(), CommandUp, 0, Options{Logger: testutil.NopLogger{}, Timeout: 10 * time.Millisecond}, ops)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
