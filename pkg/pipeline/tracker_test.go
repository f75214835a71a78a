package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/conveyor/pkg/alert"
	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/queue"
	"github.com/nimburion/conveyor/pkg/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMetrics struct {
	mu      sync.Mutex
	samples []monitor.Sample
}

func (r *recordingMetrics) RecordMetric(_ context.Context, s monitor.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *recordingMetrics) count(metric monitor.MetricType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.samples {
		if s.Type == metric {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alert.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	*queue.MemoryQueue
}

func (failingQueue) Enqueue(context.Context, string, queue.Message, time.Duration) (string, error) {
	return "", errors.New("broker unavailable")
}

// switchableQueue rejects enqueues while down is set.
type switchableQueue struct {
	*queue.MemoryQueue
	mu   sync.Mutex
	down bool
}

func (q *switchableQueue) setDown(down bool) {
	q.mu.Lock()
	q.down = down
	q.mu.Unlock()
}

func (q *switchableQueue) Enqueue(ctx context.Context, name string, msg queue.Message, delay time.Duration) (string, error) {
	q.mu.Lock()
	down := q.down
	q.mu.Unlock()
	if down {
		return "", errors.New("broker unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, name, msg, delay)
}

// completingStore completes the job right before failing it, as a
// concurrent worker would.
type completingStore struct {
	*MemoryStore
}

func (s completingStore) MarkFailed(ctx context.Context, jobID, stage, reason, errText string, now time.Time) (*Job, error) {
	if _, err := s.MemoryStore.CompleteStage(ctx, jobID, stage, nil, true, now); err != nil {
		return nil, err
	}
	return s.MemoryStore.MarkFailed(ctx, jobID, stage, reason, errText, now)
}

type trackerFixture struct {
	clock    *fakeClock
	store    *MemoryStore
	queue    *queue.MemoryQueue
	dlq      *deadletter.MemoryStore
	metrics  *recordingMetrics
	notifier *recordingNotifier
	tracker  *Tracker
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	clock := newFakeClock()
	f := &trackerFixture{
		clock:    clock,
		store:    NewMemoryStore(),
		queue:    queue.NewMemoryQueue(queue.WithClock(clock.Now)),
		dlq:      deadletter.NewMemoryStore(),
		metrics:  &recordingMetrics{},
		notifier: &recordingNotifier{},
	}
	cfg := DefaultConfig()
	cfg.Pipelines = Pipelines{"content": {"research", "outline", "draft"}}
	tracker, err := NewTracker(f.store, f.queue, f.dlq, cfg, testutil.NopLogger{},
		WithClock(clock.Now), WithMetrics(f.metrics), WithNotifier(f.notifier))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	f.tracker = tracker
	return f
}

func (f *trackerFixture) createContentJob(t *testing.T) *Job {
	t.Helper()
	job, err := f.tracker.CreateJob(context.Background(), CreateJobRequest{
		JobType:           "content",
		Payload:           json.RawMessage(`{"topic":"queues"}`),
		InitialStage:      "research",
		MaxAttempts:       3,
		RetryDelaySeconds: 60,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (f *trackerFixture) dequeue(t *testing.T, queueName string) *StageDelivery {
	t.Helper()
	d, err := f.tracker.DequeueStage(context.Background(), queueName, 0)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d == nil {
		t.Fatalf("expected a delivery on %s", queueName)
	}
	return d
}

func TestNewTracker_RejectsMissingCollaborators(t *testing.T) {
	store, q, dlq := NewMemoryStore(), queue.NewMemoryQueue(), deadletter.NewMemoryStore()
	log := testutil.NopLogger{}
	cases := map[string]func() (*Tracker, error){
		"store":  func() (*Tracker, error) { return NewTracker(nil, q, dlq, DefaultConfig(), log) },
		"queue":  func() (*Tracker, error) { return NewTracker(store, nil, dlq, DefaultConfig(), log) },
		"dlq":    func() (*Tracker, error) { return NewTracker(store, q, nil, DefaultConfig(), log) },
		"logger": func() (*Tracker, error) { return NewTracker(store, q, dlq, DefaultConfig(), nil) },
		"policy": func() (*Tracker, error) {
			cfg := DefaultConfig()
			cfg.Policy.Priority = "loudest"
			return NewTracker(store, q, dlq, cfg, log)
		},
	}
	for name, build := range cases {
		if _, err := build(); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestTracker_CreateJobQueuesInitialStage(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)

	if job.Status != JobQueued || job.Stage != "research" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.MaxAttempts != 3 || job.RetryDelaySeconds != 60 || job.FirstQueuedAt == nil {
		t.Fatalf("unexpected job settings: %+v", job)
	}
	state, err := f.store.GetStage(ctx, job.ID, "research")
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if state.Status != StageQueued || state.AttemptCount != 0 || state.Queue != "research" {
		t.Fatalf("unexpected stage: %+v", state)
	}
	if state.VisibilityTimeoutSeconds != 600 {
		t.Fatalf("expected default visibility, got %d", state.VisibilityTimeoutSeconds)
	}
	if f.queue.Len("research") != 1 {
		t.Fatalf("expected one message on research, got %d", f.queue.Len("research"))
	}

	events, _ := f.store.ListEvents(ctx, job.ID)
	if len(events) != 2 || events[0].Kind != EventCreated || events[1].Kind != EventQueued {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestTracker_CreateJobDefaultsToFirstPipelineStage(t *testing.T) {
	f := newTrackerFixture(t)
	job, err := f.tracker.CreateJob(context.Background(), CreateJobRequest{JobType: "content"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Stage != "research" || job.MaxAttempts != DefaultMaxAttempts || job.RetryDelaySeconds != DefaultRetryDelaySeconds {
		t.Fatalf("unexpected defaults: %+v", job)
	}

	if _, err := f.tracker.CreateJob(context.Background(), CreateJobRequest{JobType: "unknown"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without a stage, got %v", err)
	}
	if _, err := f.tracker.CreateJob(context.Background(), CreateJobRequest{JobType: "content", Payload: json.RawMessage(`{`)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for bad payload, got %v", err)
	}
}

func TestTracker_SendFailureRevertsStageToPending(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	tracker, err := NewTracker(store, failingQueue{queue.NewMemoryQueue()}, deadletter.NewMemoryStore(),
		DefaultConfig(), testutil.NopLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	job, err := tracker.CreateJob(context.Background(), CreateJobRequest{JobType: "content", InitialStage: "research"})
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if job == nil || job.ID == "" || job.Stage != "research" {
		t.Fatalf("expected the recorded job alongside the error, got %+v", job)
	}

	counts, _ := store.StageStatusCounts(context.Background())
	if len(counts) != 1 || counts[0].Status != StagePending {
		t.Fatalf("expected the stage reverted to pending, got %+v", counts)
	}
	events, _ := store.ListEvents(context.Background(), "")
	var failed bool
	for _, e := range events {
		failed = failed || e.Kind == EventEnqueueFailed
	}
	if !failed {
		t.Fatalf("expected enqueue_failed event, got %+v", events)
	}
}

func TestTracker_DequeueMovesStageToProcessing(t *testing.T) {
	f := newTrackerFixture(t)
	job := f.createContentJob(t)

	d := f.dequeue(t, "research")
	if d.Message.JobID != job.ID || d.State.Status != StageProcessing || d.State.AttemptCount != 1 {
		t.Fatalf("unexpected delivery: %+v / %+v", d.Delivery, d.State)
	}
	if want := f.clock.Now().Add(DefaultVisibilityTimeout); !d.State.VisibleUntil.Equal(want) {
		t.Fatalf("expected visible_until %s, got %v", want, d.State.VisibleUntil)
	}

	stored, _ := f.store.GetJob(context.Background(), job.ID)
	if stored.Status != JobProcessing || stored.LastDequeuedAt == nil || stored.AttemptCount != 1 {
		t.Fatalf("unexpected job after dequeue: %+v", stored)
	}
	if f.metrics.count(monitor.MetricAttempt) != 1 {
		t.Fatal("expected an attempt sample")
	}
}

func TestTracker_DequeueSkipsStaleDeliveries(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, "research", queue.Message{JobID: "ghost", Stage: "research"}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := f.createContentJob(t)
	batch, err := f.tracker.DequeueStageBatch(ctx, "research", 0, 10)
	if err != nil {
		t.Fatalf("dequeue batch: %v", err)
	}
	if len(batch) != 1 || batch[0].Message.JobID != job.ID {
		t.Fatalf("expected only the job delivery, got %d", len(batch))
	}
	first := batch[0]
	if f.queue.InFlight("research") != 1 {
		t.Fatalf("expected the ghost message archived, %d in flight", f.queue.InFlight("research"))
	}

	if _, err := f.tracker.MarkCompleted(ctx, CompleteRequest{Queue: first.Queue, MsgID: first.ID, JobID: job.ID, Stage: "research"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// A duplicate copy of the finished stage is archived on sight.
	if _, err := f.queue.Enqueue(ctx, "research", queue.Message{JobID: job.ID, Stage: "research"}, 0); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if d, err := f.tracker.DequeueStage(ctx, "research", 0); err != nil || d != nil {
		t.Fatalf("expected no delivery for a completed stage, got %+v, %v", d, err)
	}
	if f.queue.Len("research") != 0 {
		t.Fatalf("expected research queue drained, got %d", f.queue.Len("research"))
	}
}

func TestTracker_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)

	var observed []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		d := f.dequeue(t, "research")
		if d.State.AttemptCount != attempt {
			t.Fatalf("attempt %d: unexpected attempt_count %d", attempt, d.State.AttemptCount)
		}
		if err := f.tracker.RecordFailure(ctx, d, errors.New("upstream timeout")); err != nil {
			t.Fatalf("record failure %d: %v", attempt, err)
		}
		if attempt == 3 {
			break
		}
		state, _ := f.store.GetStage(ctx, job.ID, "research")
		if state.Status != StageQueued || state.NextRetryAt == nil || state.LastError != "upstream timeout" {
			t.Fatalf("unexpected stage after retry: %+v", state)
		}
		observed = append(observed, state.AvailableAt.Sub(f.clock.Now()))

		if early, _ := f.tracker.DequeueStage(ctx, "research", 0); early != nil {
			t.Fatalf("retry delivered before its delay: %+v", early.Message)
		}
		f.clock.Advance(state.AvailableAt.Sub(f.clock.Now()))
	}

	if len(observed) != 2 || observed[0] != 60*time.Second || observed[1] != 120*time.Second {
		t.Fatalf("expected delays 60s then 120s, got %v", observed)
	}

	stored, _ := f.store.GetJob(ctx, job.ID)
	if stored.Status != JobFailed || stored.LastDeadLetterAt == nil {
		t.Fatalf("expected failed job, got %+v", stored)
	}
	records, _ := f.dlq.List(ctx, deadletter.Filter{JobID: job.ID})
	if len(records) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(records))
	}
	if records[0].FailureReason != deadletter.ReasonMaxAttempts || records[0].AttemptCount != 3 {
		t.Fatalf("unexpected dead letter: %+v", records[0])
	}
	if f.queue.Len("research") != 0 {
		t.Fatalf("expected no messages left, got %d", f.queue.Len("research"))
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Kind != alert.KindDeadLetter {
		t.Fatalf("expected one dead-letter alert, got %+v", f.notifier.sent)
	}
	if f.metrics.count(monitor.MetricFailure) != 3 {
		t.Fatalf("expected three failure samples, got %d", f.metrics.count(monitor.MetricFailure))
	}
}

func TestTracker_PermanentErrorDeadLettersImmediately(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)

	d := f.dequeue(t, "research")
	if err := f.tracker.RecordFailure(ctx, d, NonRetryable(errors.New("payload rejected"))); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	records, _ := f.dlq.List(ctx, deadletter.Filter{JobID: job.ID})
	if len(records) != 1 || records[0].FailureReason != deadletter.ReasonNonRetryable || records[0].AttemptCount != 1 {
		t.Fatalf("unexpected dead letters: %+v", records)
	}
	state, _ := f.store.GetStage(ctx, job.ID, "research")
	if state.Status != StageFailed || state.DeadLetterReason != string(deadletter.ReasonNonRetryable) {
		t.Fatalf("unexpected stage: %+v", state)
	}
}

func TestTracker_CompleteAndAdvance(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)

	d := f.dequeue(t, "research")
	f.clock.Advance(42 * time.Second)
	completed, err := f.tracker.MarkCompleted(ctx, CompleteRequest{
		Queue:  d.Queue,
		MsgID:  d.ID,
		JobID:  job.ID,
		Stage:  "research",
		Result: json.RawMessage(`{"sources":3}`),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status.Terminal() {
		t.Fatalf("research is not the last stage, job should stay open: %+v", completed)
	}

	next, ok := f.tracker.NextStage(job.JobType, "research")
	if !ok || next != "outline" {
		t.Fatalf("expected outline to follow research, got %q", next)
	}
	if _, err := f.tracker.EnqueueStage(ctx, EnqueueRequest{JobID: job.ID, Stage: next, Payload: json.RawMessage(`{"sources":3}`)}); err != nil {
		t.Fatalf("enqueue outline: %v", err)
	}

	research, _ := f.store.GetStage(ctx, job.ID, "research")
	outline, _ := f.store.GetStage(ctx, job.ID, "outline")
	stored, _ := f.store.GetJob(ctx, job.ID)
	if research.Status != StageCompleted || outline.Status != StageQueued {
		t.Fatalf("unexpected stages: research=%s outline=%s", research.Status, outline.Status)
	}
	if stored.Stage != "outline" || stored.Status != JobQueued {
		t.Fatalf("unexpected job: %+v", stored)
	}
	if f.queue.InFlight("research") != 0 || f.queue.Len("outline") != 1 {
		t.Fatal("expected research archived and outline queued")
	}
	if f.metrics.count(monitor.MetricDuration) != 1 {
		t.Fatal("expected a duration sample")
	}
}

func TestTracker_CompletingLastStageCompletesJob(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job, err := f.tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "draft"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	d := f.dequeue(t, "draft")
	done, err := f.tracker.MarkCompleted(ctx, CompleteRequest{Queue: d.Queue, MsgID: d.ID, JobID: job.ID, Stage: "draft", Result: json.RawMessage(`{"words":900}`)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != JobCompleted || string(done.Result) != `{"words":900}` {
		t.Fatalf("unexpected job: %+v", done)
	}

	if _, err := f.tracker.EnqueueStage(ctx, EnqueueRequest{JobID: job.ID, Stage: "export"}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error enqueueing after completion, got %v", err)
	}
}

func TestTracker_CompleteAfterDeadLetterLeavesStageFailed(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)
	d := f.dequeue(t, "research")

	if _, err := f.tracker.MoveToDeadLetter(ctx, DeadLetterRequest{
		Queue:         d.Queue,
		MsgID:         d.ID,
		JobID:         job.ID,
		Stage:         "research",
		FailureReason: deadletter.ReasonAdministrative,
		LastError:     "cancelled by operator",
	}); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	if _, err := f.tracker.MarkCompleted(ctx, CompleteRequest{JobID: job.ID, Stage: "research"}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	state, _ := f.store.GetStage(ctx, job.ID, "research")
	if state.Status != StageFailed {
		t.Fatalf("expected stage to stay failed, got %s", state.Status)
	}

	if _, err := f.tracker.MoveToDeadLetter(ctx, DeadLetterRequest{JobID: job.ID, Stage: "research", FailureReason: deadletter.ReasonAdministrative}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error on second dead letter, got %v", err)
	}
}

func TestTracker_EnqueueStageMergesConcurrentPriorities(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)

	for _, priority := range []int{3, 9, 5} {
		if _, err := f.tracker.EnqueueStage(ctx, EnqueueRequest{JobID: job.ID, Stage: "outline", Priority: priority}); err != nil {
			t.Fatalf("enqueue priority %d: %v", priority, err)
		}
	}
	state, _ := f.store.GetStage(ctx, job.ID, "outline")
	if state.Priority != 9 || state.AttemptCount != 0 {
		t.Fatalf("expected max priority and untouched attempts, got %+v", state)
	}
	stored, _ := f.store.GetJob(ctx, job.ID)
	if stored.Priority != 9 || stored.Stage != "outline" {
		t.Fatalf("expected job to mirror the stage, got %+v", stored)
	}
}

func TestTracker_ExtendVisibility(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)
	d := f.dequeue(t, "research")

	f.clock.Advance(5 * time.Minute)
	deadline, err := f.tracker.ExtendVisibility(ctx, ExtendRequest{Queue: d.Queue, MsgID: d.ID, JobID: job.ID, Stage: "research", ExtendBy: 10 * time.Minute})
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if want := f.clock.Now().Add(10 * time.Minute); !deadline.Equal(want) {
		t.Fatalf("expected deadline %s, got %s", want, deadline)
	}
	state, _ := f.store.GetStage(ctx, job.ID, "research")
	if state.VisibleUntil == nil || !state.VisibleUntil.Equal(deadline) {
		t.Fatalf("expected visible_until recorded, got %v", state.VisibleUntil)
	}

	// The original timeout would have expired here.
	f.clock.Advance(6 * time.Minute)
	if again, _ := f.tracker.DequeueStage(ctx, "research", 0); again != nil {
		t.Fatal("extended message was redelivered")
	}

	if _, err := f.tracker.ExtendVisibility(ctx, ExtendRequest{Queue: d.Queue, MsgID: "404", JobID: job.ID, Stage: "research", ExtendBy: time.Minute}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown message, got %v", err)
	}
}

func TestTracker_ReplayDeadLetter(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)
	d := f.dequeue(t, "research")
	if err := f.tracker.RecordFailure(ctx, d, NonRetryable(errors.New("bad source list"))); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	records, _ := f.dlq.List(ctx, deadletter.Filter{JobID: job.ID})
	if len(records) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(records))
	}

	res, err := f.tracker.ReplayDeadLetter(ctx, records[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Stage.Status != StageQueued || res.Stage.AttemptCount != 0 {
		t.Fatalf("unexpected replayed stage: %+v", res.Stage)
	}
	stored, _ := f.store.GetJob(ctx, job.ID)
	if stored.Status != JobQueued || stored.Error != "" {
		t.Fatalf("unexpected replayed job: %+v", stored)
	}
	again := f.dequeue(t, "research")
	if again.State.AttemptCount != 1 || string(again.Message.Payload) != `{"topic":"queues"}` {
		t.Fatalf("unexpected replayed delivery: %+v", again.Message)
	}
	if kept, _ := f.dlq.Get(ctx, records[0].ID); kept == nil {
		t.Fatal("dead letter record must be kept after replay")
	}

	if _, err := f.tracker.ReplayDeadLetter(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTracker_DepthCountsAndBacklog(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.createContentJob(t)
	f.createContentJob(t)
	f.dequeue(t, "research")

	backlog, err := f.tracker.Backlog(ctx, "research")
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog.Ready != 1 || backlog.Inflight != 1 {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}

	counts, err := f.tracker.DepthCounts(ctx)
	if err != nil {
		t.Fatalf("depth counts: %v", err)
	}
	got := map[string]int{}
	for _, c := range counts {
		got[c.Stage+"/"+c.Status] = c.Count
	}
	if got["research/queued"] != 1 || got["research/processing"] != 1 {
		t.Fatalf("unexpected depth counts: %+v", counts)
	}
}

func TestTracker_StageQueuesOverride(t *testing.T) {
	clock := newFakeClock()
	q := queue.NewMemoryQueue(queue.WithClock(clock.Now))
	cfg := DefaultConfig()
	cfg.StageQueues = map[string]string{"research": "research-high"}
	tracker, err := NewTracker(NewMemoryStore(), q, deadletter.NewMemoryStore(), cfg, testutil.NopLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if _, err := tracker.CreateJob(context.Background(), CreateJobRequest{JobType: "content", InitialStage: "research"}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if q.Len("research-high") != 1 || q.Len("research") != 0 {
		t.Fatal("expected the message on the overridden queue")
	}
}

func TestTracker_BacklogCountsExpiredDeliveriesAsReady(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.createContentJob(t)
	if _, err := f.tracker.DequeueStage(ctx, "research", 600*time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// The worker died; nobody completes or extends the delivery.
	f.clock.Advance(2 * time.Hour)
	backlog, err := f.tracker.Backlog(ctx, "research")
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog.Ready != 1 || backlog.Inflight != 0 || backlog.Stale != 1 {
		t.Fatalf("expected the expired delivery counted as ready, got %+v", backlog)
	}
	stale, err := f.tracker.StaleCounts(ctx)
	if err != nil {
		t.Fatalf("stale counts: %v", err)
	}
	if len(stale) != 1 || stale[0].Stage != "research" || stale[0].Count != 1 {
		t.Fatalf("unexpected stale counts: %+v", stale)
	}

	// Redelivery picks the row up again and clears the stale count.
	f.dequeue(t, "research")
	if backlog, _ := f.tracker.Backlog(ctx, "research"); backlog.Ready != 0 || backlog.Inflight != 1 || backlog.Stale != 0 {
		t.Fatalf("unexpected backlog after redelivery: %+v", backlog)
	}
}

func TestTracker_ReconcileResendsStageAfterSendFailure(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	q := &switchableQueue{MemoryQueue: queue.NewMemoryQueue(queue.WithClock(clock.Now)), down: true}
	tracker, err := NewTracker(store, q, deadletter.NewMemoryStore(), DefaultConfig(), testutil.NopLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	ctx := context.Background()

	job, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "research", Priority: 4})
	if !errors.Is(err, ErrRetryable) || job == nil {
		t.Fatalf("expected the job with a retryable error, got %+v, %v", job, err)
	}
	q.setDown(false)

	report, err := tracker.Reconcile(ctx, time.Minute, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if *report != (ReconcileReport{}) || q.Len("research") != 0 {
		t.Fatalf("expected the grace period to hold the stage back, got %+v", report)
	}

	clock.Advance(2 * time.Minute)
	report, err = tracker.Reconcile(ctx, time.Minute, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Resent != 1 || report.Advanced != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	state, _ := store.GetStage(ctx, job.ID, "research")
	if state.Status != StageQueued || state.Priority != 4 {
		t.Fatalf("expected the stage queued again, got %+v", state)
	}
	d, err := tracker.DequeueStage(ctx, "research", 0)
	if err != nil || d == nil || d.Message.JobID != job.ID {
		t.Fatalf("expected the resent delivery, got %+v, %v", d, err)
	}

	events, _ := store.ListEvents(ctx, job.ID)
	var reconciled bool
	for _, e := range events {
		reconciled = reconciled || (e.Kind == EventReconciled && e.Message == "resent")
	}
	if !reconciled {
		t.Fatalf("expected a reconciled event, got %+v", events)
	}
}

func TestTracker_ReconcileCountsStagesThatFailAgain(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	q := &switchableQueue{MemoryQueue: queue.NewMemoryQueue(queue.WithClock(clock.Now)), down: true}
	tracker, err := NewTracker(store, q, deadletter.NewMemoryStore(), DefaultConfig(), testutil.NopLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	ctx := context.Background()
	if _, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "research"}); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	clock.Advance(10 * time.Minute)
	report, err := tracker.Reconcile(ctx, time.Minute, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Failed != 1 || report.Resent != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	counts, _ := store.StageStatusCounts(ctx)
	if len(counts) != 1 || counts[0].Status != StagePending {
		t.Fatalf("expected the stage left pending, got %+v", counts)
	}
}

func TestTracker_ReconcileAdvancesCompletedStage(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	job := f.createContentJob(t)
	d := f.dequeue(t, "research")
	if _, err := f.tracker.MarkCompleted(ctx, CompleteRequest{
		Queue: d.Queue, MsgID: d.ID, JobID: job.ID, Stage: "research", Result: json.RawMessage(`{"sources":3}`),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	report, err := f.tracker.Reconcile(ctx, 5*time.Minute, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Advanced != 1 || report.Resent != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	outline := f.dequeue(t, "outline")
	if string(outline.Message.Payload) != `{"sources":3}` {
		t.Fatalf("expected the research result as outline payload, got %s", outline.Message.Payload)
	}

	f.clock.Advance(10 * time.Minute)
	if report, _ := f.tracker.Reconcile(ctx, 5*time.Minute, 0); *report != (ReconcileReport{}) {
		t.Fatalf("expected nothing left to reconcile, got %+v", report)
	}
}

func TestTracker_RedeliveryOfCompletedStageQueuesPendingSuccessor(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	q := &switchableQueue{MemoryQueue: queue.NewMemoryQueue(queue.WithClock(clock.Now))}
	cfg := DefaultConfig()
	cfg.Pipelines = Pipelines{"content": {"research", "outline", "draft"}}
	tracker, err := NewTracker(store, q, deadletter.NewMemoryStore(), cfg, testutil.NopLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	ctx := context.Background()

	job, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	d, err := tracker.DequeueStage(ctx, "research", 0)
	if err != nil || d == nil {
		t.Fatalf("dequeue: %+v, %v", d, err)
	}
	if _, err := tracker.MarkCompleted(ctx, CompleteRequest{JobID: job.ID, Stage: "research"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	q.setDown(true)
	if _, err := tracker.AdvanceJob(ctx, AdvanceRequest{JobID: job.ID, Stage: "research"}); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	q.setDown(false)

	clock.Advance(DefaultVisibilityTimeout + time.Second)
	if again, err := tracker.DequeueStage(ctx, "research", 0); err != nil || again != nil {
		t.Fatalf("expected the redelivery settled, got %+v, %v", again, err)
	}
	if q.Len("research") != 0 {
		t.Fatalf("expected the research message archived, %d left", q.Len("research"))
	}
	outline, _ := store.GetStage(ctx, job.ID, "outline")
	if outline.Status != StageQueued || q.Len("outline") != 1 {
		t.Fatalf("expected outline queued, got %s with %d messages", outline.Status, q.Len("outline"))
	}
}

func TestTracker_RedeliveryKeptInFlightWhileSuccessorCannotBeSent(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	q := &switchableQueue{MemoryQueue: queue.NewMemoryQueue(queue.WithClock(clock.Now))}
	cfg := DefaultConfig()
	cfg.Pipelines = Pipelines{"content": {"research", "outline"}}
	tracker, err := NewTracker(store, q, deadletter.NewMemoryStore(), cfg, testutil.NopLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	ctx := context.Background()
	job, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := tracker.DequeueStage(ctx, "research", 0); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := tracker.MarkCompleted(ctx, CompleteRequest{JobID: job.ID, Stage: "research"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	q.setDown(true)
	clock.Advance(DefaultVisibilityTimeout + time.Second)
	if again, err := tracker.DequeueStage(ctx, "research", 0); err != nil || again != nil {
		t.Fatalf("expected no delivery, got %+v, %v", again, err)
	}
	if q.InFlight("research") != 1 {
		t.Fatalf("expected the research message kept in flight, got %d", q.InFlight("research"))
	}
}

func TestTracker_DeadLetterWithoutTransactionsLeavesNoRecordForCompletedJob(t *testing.T) {
	clock := newFakeClock()
	store := completingStore{NewMemoryStore()}
	q := queue.NewMemoryQueue(queue.WithClock(clock.Now))
	dlq := deadletter.NewMemoryStore()
	tracker, err := NewTracker(store, q, dlq, DefaultConfig(), testutil.NopLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	ctx := context.Background()
	job, err := tracker.CreateJob(ctx, CreateJobRequest{JobType: "content", InitialStage: "research"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	d, err := tracker.DequeueStage(ctx, "research", 0)
	if err != nil || d == nil {
		t.Fatalf("dequeue: %+v, %v", d, err)
	}

	_, err = tracker.MoveToDeadLetter(ctx, DeadLetterRequest{
		Queue:         d.Queue,
		MsgID:         d.ID,
		JobID:         job.ID,
		Stage:         "research",
		FailureReason: deadletter.ReasonAdministrative,
	})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if records, _ := dlq.List(ctx, deadletter.Filter{JobID: job.ID}); len(records) != 0 {
		t.Fatalf("expected no dead letter for the completed job, got %+v", records)
	}
	if q.Len("research") != 0 {
		t.Fatalf("expected the delivery archived, %d left", q.Len("research"))
	}
}
