// Package worker hosts stage handlers and drives them from dispatcher
// invocations or a pull loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/conveyor/pkg/dispatcher"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/observability/tracing"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/resilience"
)

const (
	DefaultConcurrency    = 1
	DefaultAttemptTimeout = 5 * time.Minute
	DefaultPollInterval   = time.Second
	DefaultStopTimeout    = 30 * time.Second

	minRenewInterval = 100 * time.Millisecond
)

var (
	// ErrValidation classifies invalid worker arguments.
	ErrValidation = errors.New("worker validation error")
	// ErrUnknownStage is returned for invocations of a stage without a
	// registered handler.
	ErrUnknownStage = errors.New("worker stage not registered")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("worker stopped")
)

// Task is the unit handed to a Handler.
type Task struct {
	JobID       string
	Stage       string
	Queue       string
	MsgID       string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
	Priority    int
}

// Handler processes one stage attempt. The returned result becomes the
// stage result and the payload of the next pipeline stage; a nil result
// forwards the job payload instead.
type Handler func(ctx context.Context, task *Task) (json.RawMessage, error)

// Permanent marks err so the stage is dead-lettered without retries.
func Permanent(err error) error {
	return pipeline.NonRetryable(err)
}

// Tracker is the pipeline surface the worker drives.
type Tracker interface {
	DequeueStageBatch(ctx context.Context, queue string, visibility time.Duration, size int) ([]*pipeline.StageDelivery, error)
	MarkCompleted(ctx context.Context, req pipeline.CompleteRequest) (*pipeline.Job, error)
	AdvanceJob(ctx context.Context, req pipeline.AdvanceRequest) (*pipeline.EnqueueResult, error)
	Acknowledge(ctx context.Context, queue, msgID string) error
	RecordFailure(ctx context.Context, delivery *pipeline.StageDelivery, cause error) error
	ExtendVisibility(ctx context.Context, req pipeline.ExtendRequest) (time.Time, error)
	QueueFor(stage string) string
}

// Config configures concurrency and timing of a Worker.
type Config struct {
	// Concurrency bounds the handlers running for one invocation.
	Concurrency int `mapstructure:"concurrency"`
	// BatchSize is the number of messages dequeued per invocation. It
	// defaults to Concurrency.
	BatchSize int `mapstructure:"batch_size"`
	// VisibilityTimeout of dequeued messages; zero uses the tracker default.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Result summarizes one invocation.
type Result struct {
	Stage     string `json:"stage"`
	Queue     string `json:"queue"`
	Dequeued  int    `json:"dequeued"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Worker runs registered stage handlers against the tracker.
type Worker struct {
	tracker Tracker
	log     logger.Logger
	cfg     Config

	mu       sync.RWMutex
	handlers map[string]Handler

	runCtx  context.Context
	cancel  context.CancelFunc
	async   sync.WaitGroup
	stopped bool
}

// New creates a worker.
func New(tracker Tracker, log logger.Logger, cfg Config) (*Worker, error) {
	if tracker == nil {
		return nil, fmt.Errorf("%w: tracker is required", ErrValidation)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrValidation)
	}
	cfg.normalize()
	runCtx, cancel := context.WithCancel(context.Background())
	return &Worker{
		tracker:  tracker,
		log:      log.With("component", "worker"),
		cfg:      cfg,
		handlers: map[string]Handler{},
		runCtx:   runCtx,
		cancel:   cancel,
	}, nil
}

// Register binds handler to stage.
func (w *Worker) Register(stage string, handler Handler) error {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return fmt.Errorf("%w: stage is required", ErrValidation)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler is required", ErrValidation)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[stage] = handler
	return nil
}

// Stages lists the registered stages.
func (w *Worker) Stages() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.handlers))
	for stage := range w.handlers {
		out = append(out, stage)
	}
	return out
}

func (w *Worker) lookup(stage string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[strings.TrimSpace(stage)]
	return h, ok
}

// HandleInvocation dequeues one batch for the invoked stage and processes
// it. Only a dequeue failure or an unknown stage is returned; handler
// failures go through the tracker's retry policy.
func (w *Worker) HandleInvocation(ctx context.Context, inv dispatcher.Invocation) (*Result, error) {
	if _, ok := w.lookup(inv.Stage); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, inv.Stage)
	}
	queueName := strings.TrimSpace(inv.Queue)
	if queueName == "" {
		queueName = w.tracker.QueueFor(inv.Stage)
	}
	result := &Result{Stage: inv.Stage, Queue: queueName}

	deliveries, err := w.tracker.DequeueStageBatch(ctx, queueName, w.cfg.VisibilityTimeout, w.cfg.BatchSize)
	if err != nil {
		w.log.Warn("dequeue failed", "stage", inv.Stage, "queue", queueName, "error", err)
		return result, err
	}
	result.Dequeued = len(deliveries)
	if len(deliveries) == 0 {
		return result, nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, w.cfg.Concurrency)
	)
	for _, delivery := range deliveries {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			processErr := w.process(ctx, delivery)
			mu.Lock()
			defer mu.Unlock()
			if processErr != nil {
				result.Failed++
				return
			}
			result.Succeeded++
		}()
	}
	wg.Wait()

	w.log.Debug("invocation handled",
		"dispatch_id", inv.DispatchID,
		"stage", inv.Stage,
		"dequeued", result.Dequeued,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}

// process runs one delivery. A queue shared by several stages may hand out
// a message whose stage has no handler here; it is failed back to the
// retry policy.
func (w *Worker) process(ctx context.Context, delivery *pipeline.StageDelivery) (err error) {
	msg := delivery.Message
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationProcessStage,
		tracing.WithJobID(msg.JobID),
		tracing.WithStage(msg.Stage),
		tracing.WithQueue(delivery.Queue),
		tracing.WithAttempt(delivery.State.AttemptCount),
		tracing.AsConsumer(),
	)
	span.SetAttributes(attribute.Int("conveyor.read_count", delivery.ReadCount))
	defer func() { tracing.End(span, err) }()
	log := w.log.WithContext(logger.ContextWithJob(ctx, msg.JobID, msg.Stage))

	task := &Task{
		JobID:       msg.JobID,
		Stage:       msg.Stage,
		Queue:       delivery.Queue,
		MsgID:       delivery.ID,
		Payload:     msg.Payload,
		Attempt:     delivery.State.AttemptCount,
		MaxAttempts: delivery.State.MaxAttempts,
		Priority:    delivery.State.Priority,
	}

	var (
		output  json.RawMessage
		execErr error
	)
	if handler, ok := w.lookup(msg.Stage); ok {
		stopRenew := w.startRenewal(ctx, log, delivery)
		started := time.Now()
		output, execErr = w.execute(ctx, handler, task)
		stopRenew()
		recordHandlerDuration(msg.Stage, time.Since(started))
	} else {
		execErr = fmt.Errorf("%w: %q", ErrUnknownStage, msg.Stage)
	}

	if execErr != nil {
		recordProcessed(msg.Stage, "failed")
		log.Warn("stage handler failed",
			"attempt", task.Attempt,
			"max_attempts", task.MaxAttempts,
			"permanent", pipeline.IsPermanent(execErr),
			"error", execErr,
		)
		if err := w.tracker.RecordFailure(ctx, delivery, execErr); err != nil {
			log.Error("failed to record stage failure", "error", err)
			return errors.Join(execErr, err)
		}
		return execErr
	}

	// The delivery stays in flight until the next stage is queued, so a
	// failure in between ends in a redelivery rather than a lost job.
	_, err = w.tracker.MarkCompleted(ctx, pipeline.CompleteRequest{
		Queue:  delivery.Queue,
		JobID:  msg.JobID,
		Stage:  msg.Stage,
		Result: output,
	})
	if errors.Is(err, pipeline.ErrTerminal) {
		recordProcessed(msg.Stage, "complete_failed")
		log.Warn("stage finished before completion was recorded", "error", err)
		w.acknowledge(ctx, log, delivery)
		return err
	}
	if err != nil {
		recordProcessed(msg.Stage, "complete_failed")
		log.Error("failed to mark stage completed", "error", err)
		return err
	}
	recordProcessed(msg.Stage, "succeeded")

	if _, err := w.tracker.AdvanceJob(ctx, pipeline.AdvanceRequest{
		JobID:    msg.JobID,
		Stage:    msg.Stage,
		Result:   output,
		Priority: delivery.State.Priority,
	}); err != nil && !errors.Is(err, pipeline.ErrTerminal) {
		log.Error("failed to enqueue next stage", "error", err)
		return err
	}
	w.acknowledge(ctx, log, delivery)
	return nil
}

func (w *Worker) acknowledge(ctx context.Context, log logger.Logger, delivery *pipeline.StageDelivery) {
	if err := w.tracker.Acknowledge(ctx, delivery.Queue, delivery.ID); err != nil {
		// The message reappears after its timeout and is settled as finished.
		log.Warn("failed to archive delivery", "queue", delivery.Queue, "msg_id", delivery.ID, "error", err)
	}
}

// execute runs handler under the attempt timeout. The handler runs on the
// timeout goroutine, so panics are recovered there.
func (w *Worker) execute(ctx context.Context, handler Handler, task *Task) (json.RawMessage, error) {
	var output json.RawMessage
	err := resilience.WithTimeout(ctx, w.cfg.AttemptTimeout, func(runCtx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic while handling stage %s: %v; stack=%s", task.Stage, rec, string(debug.Stack()))
			}
		}()
		out, err := handler(runCtx, task)
		if err == nil {
			output = out
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

// startRenewal extends the delivery's visibility every half period until
// the returned stop function is called. Renewal failures are logged and
// end the renewal loop.
func (w *Worker) startRenewal(ctx context.Context, log logger.Logger, delivery *pipeline.StageDelivery) func() {
	visibility := w.cfg.VisibilityTimeout
	if visibility <= 0 && delivery.State.VisibilityTimeoutSeconds > 0 {
		visibility = time.Duration(delivery.State.VisibilityTimeoutSeconds) * time.Second
	}
	if visibility <= 0 {
		visibility = pipeline.DefaultVisibilityTimeout
	}
	interval := max(visibility/2, minRenewInterval)

	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				_, err := w.tracker.ExtendVisibility(renewCtx, pipeline.ExtendRequest{
					Queue:    delivery.Queue,
					MsgID:    delivery.ID,
					JobID:    delivery.Message.JobID,
					Stage:    delivery.Message.Stage,
					ExtendBy: visibility,
				})
				if err != nil {
					if renewCtx.Err() == nil {
						log.Warn("visibility renewal failed", "msg_id", delivery.ID, "error", err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Poll drives every registered stage until ctx is cancelled, sleeping for
// the poll interval whenever a full pass found no work.
func (w *Worker) Poll(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("%w: context is required", ErrValidation)
	}
	w.log.Info("worker poll loop started", "stages", w.Stages())
	for {
		if ctx.Err() != nil {
			w.log.Info("worker poll loop stopped")
			return nil
		}
		found := 0
		for _, stage := range w.Stages() {
			result, err := w.HandleInvocation(ctx, dispatcher.Invocation{Stage: stage})
			if err != nil {
				continue
			}
			found += result.Dequeued
		}
		if found > 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Submit processes inv in the background. The run outlives the caller's
// request and is awaited by Stop.
func (w *Worker) Submit(inv dispatcher.Invocation) error {
	if _, ok := w.lookup(inv.Stage); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, inv.Stage)
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.async.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.async.Done()
		if _, err := w.HandleInvocation(w.runCtx, inv); err != nil {
			w.log.Warn("async invocation failed", "dispatch_id", inv.DispatchID, "stage", inv.Stage, "error", err)
		}
	}()
	return nil
}

// Stop rejects new submissions and waits for background runs. When ctx
// expires first the runs are cancelled.
func (w *Worker) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		w.async.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
}
