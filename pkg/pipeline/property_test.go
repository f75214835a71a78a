package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/conveyor/pkg/deadletter"
)

func TestProperty_BoundedRetries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("a stage is delivered at most max_attempts times before it is dead-lettered", prop.ForAll(
		func(maxAttempts int) bool {
			f := newTrackerFixture(t)
			ctx := context.Background()
			job, err := f.tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "research", MaxAttempts: maxAttempts})
			if err != nil {
				return false
			}

			deliveries := 0
			for {
				d, err := f.tracker.DequeueStage(ctx, "research", 0)
				if err != nil {
					return false
				}
				if d == nil {
					f.clock.Advance(MaxRetryDelay)
					if d, err = f.tracker.DequeueStage(ctx, "research", 0); err != nil {
						return false
					}
					if d == nil {
						break
					}
				}
				deliveries++
				if deliveries > maxAttempts {
					return false
				}
				if err := f.tracker.RecordFailure(ctx, d, errors.New("boom")); err != nil {
					return false
				}
			}

			stored, _ := f.store.GetJob(ctx, job.ID)
			records, _ := f.dlq.List(ctx, deadletter.Filter{JobID: job.ID})
			return deliveries == maxAttempts && stored.Status == JobFailed && len(records) == 1
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

func TestProperty_RetryDelayGrowsAndIsCapped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("delay is non-decreasing in attempt and never exceeds one hour", prop.ForAll(
		func(base, stage, attempt int) bool {
			current := RetryDelay(base, stage, attempt)
			next := RetryDelay(base, stage, attempt+1)
			return current >= time.Second && next >= current && next <= MaxRetryDelay
		},
		gen.IntRange(0, math.MaxInt32),
		gen.IntRange(0, math.MaxInt32),
		gen.IntRange(0, math.MaxInt32-1),
	))

	properties.Property("small inputs are linear", prop.ForAll(
		func(base, attempt int) bool {
			want := time.Duration(max(base, 1)*max(attempt, 1)) * time.Second
			if want > MaxRetryDelay {
				want = MaxRetryDelay
			}
			return RetryDelay(base, 0, attempt) == want
		},
		gen.IntRange(0, 600),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestProperty_ConcurrentEnqueueKeepsMaxPriority(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("racing enqueues leave one row with the max priority and attempts unchanged", prop.ForAll(
		func(left, right, priorAttempts int) bool {
			f := newTrackerFixture(t)
			ctx := context.Background()
			job := f.createContentJob(t)
			for i := 0; i < priorAttempts; i++ {
				d, err := f.tracker.DequeueStage(ctx, "research", 0)
				if err != nil || d == nil {
					return false
				}
				if _, err := f.tracker.EnqueueStage(ctx, EnqueueRequest{JobID: job.ID, Stage: "research"}); err != nil {
					return false
				}
				if err := f.queue.Archive(ctx, d.Queue, d.ID); err != nil {
					return false
				}
			}

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			for _, priority := range []int{left, right} {
				wg.Add(1)
				go func(priority int) {
					defer wg.Done()
					_, err := f.tracker.EnqueueStage(ctx, EnqueueRequest{JobID: job.ID, Stage: "research", Priority: priority})
					errs <- err
				}(priority)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					return false
				}
			}

			stages, err := f.store.ListStages(ctx, job.ID)
			if err != nil || len(stages) != 1 {
				return false
			}
			// The job was created with priority 0.
			return stages[0].Priority == max(0, left, right) && stages[0].AttemptCount == priorAttempts
		},
		gen.IntRange(-10, 100),
		gen.IntRange(-10, 100),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

func TestProperty_TerminalJobsStayTerminal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("no automatic transition leaves completed or failed", prop.ForAll(
		func(fail bool, ops []int) bool {
			f := newTrackerFixture(t)
			ctx := context.Background()
			job, err := f.tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "draft"})
			if err != nil {
				return false
			}
			d, err := f.tracker.DequeueStage(ctx, "draft", 0)
			if err != nil || d == nil {
				return false
			}
			want := JobCompleted
			if fail {
				want = JobFailed
				err = f.tracker.RecordFailure(ctx, d, NonRetryable(errors.New("rejected")))
			} else {
				_, err = f.tracker.MarkCompleted(ctx, CompleteRequest{Queue: d.Queue, MsgID: d.ID, JobID: job.ID, Stage: "draft"})
			}
			if err != nil {
				return false
			}
			// Leave a stale copy behind for the dequeue operations below.
			if _, err := f.queue.Enqueue(ctx, "draft", d.Message, 0); err != nil {
				return false
			}

			for _, op := range ops {
				switch op {
				case 0:
					_, _ = f.tracker.EnqueueStage(ctx, EnqueueRequest{JobID: job.ID, Stage: "draft", Priority: 99})
				case 1:
					_, _ = f.tracker.DequeueStageBatch(ctx, "draft", 0, 10)
				case 2:
					_, _ = f.tracker.MarkCompleted(ctx, CompleteRequest{JobID: job.ID, Stage: "draft"})
				case 3:
					_, _ = f.tracker.DelayedRequeueStage(ctx, RequeueRequest{JobID: job.ID, Stage: "draft", LastError: "again"})
				case 4:
					_, _ = f.tracker.MoveToDeadLetter(ctx, DeadLetterRequest{JobID: job.ID, Stage: "draft", FailureReason: deadletter.ReasonMaxAttempts})
				}
				f.clock.Advance(time.Minute)
				stored, err := f.store.GetJob(ctx, job.ID)
				if err != nil || stored.Status != want {
					return false
				}
			}
			return true
		},
		gen.Bool(),
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
