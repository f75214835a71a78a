package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/conveyor/pkg/alert"
	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/observability/tracing"
	"github.com/nimburion/conveyor/pkg/queue"
)

const (
	DefaultVisibilityTimeout = 600 * time.Second
	DefaultMaxAttempts       = 3
	DefaultRetryDelaySeconds = 60
	DefaultReconcileLimit    = 100
)

// Config holds the tracker settings.
type Config struct {
	Policy    UpsertPolicy `mapstructure:"policy"`
	Pipelines Pipelines    `mapstructure:"pipelines"`
	// StageQueues overrides the queue of a stage. Stages without an entry
	// use a queue named after the stage.
	StageQueues              map[string]string `mapstructure:"stage_queues"`
	DefaultVisibilityTimeout time.Duration     `mapstructure:"default_visibility_timeout"`
	DefaultMaxAttempts       int               `mapstructure:"default_max_attempts"`
	DefaultRetryDelaySeconds int               `mapstructure:"default_retry_delay_seconds"`
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		Policy:                   DefaultUpsertPolicy(),
		DefaultVisibilityTimeout: DefaultVisibilityTimeout,
		DefaultMaxAttempts:       DefaultMaxAttempts,
		DefaultRetryDelaySeconds: DefaultRetryDelaySeconds,
	}
}

func (c Config) normalized() Config {
	c.Policy = c.Policy.normalized()
	if c.DefaultVisibilityTimeout <= 0 {
		c.DefaultVisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.DefaultRetryDelaySeconds <= 0 {
		c.DefaultRetryDelaySeconds = DefaultRetryDelaySeconds
	}
	return c
}

// Validate checks the policy and pipeline definitions.
func (c Config) Validate() error {
	return errors.Join(c.Policy.Validate(), c.Pipelines.Validate())
}

// Notifier receives dead-letter notifications.
type Notifier interface {
	Notify(ctx context.Context, n alert.Notification)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMetrics records duration, failure and attempt samples on rec.
func WithMetrics(rec monitor.Recorder) Option {
	return func(t *Tracker) {
		t.metrics = rec
	}
}

// WithNotifier forwards dead-letter events to n.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) {
		t.notifier = n
	}
}

// Tracker owns every job and stage transition. It keeps the job store, the
// durable queue and the dead-letter store consistent: state is recorded
// before a message is sent, and a message is archived only after the state
// it produced is durable.
type Tracker struct {
	store    Store
	queue    queue.Queue
	dlq      deadletter.Store
	cfg      Config
	log      logger.Logger
	metrics  monitor.Recorder
	notifier Notifier
	now      func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(store Store, q queue.Queue, dlq deadletter.Store, cfg Config, log logger.Logger, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, pipelineError(ErrValidation, "store is required")
	}
	if q == nil {
		return nil, pipelineError(ErrValidation, "queue is required")
	}
	if dlq == nil {
		return nil, pipelineError(ErrValidation, "dead letter store is required")
	}
	if log == nil {
		return nil, pipelineError(ErrValidation, "logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		store: store,
		queue: q,
		dlq:   dlq,
		cfg:   cfg.normalized(),
		log:   log.With("component", "pipeline.tracker"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// QueueFor returns the queue that carries stage.
func (t *Tracker) QueueFor(stage string) string {
	if name := strings.TrimSpace(t.cfg.StageQueues[stage]); name != "" {
		return name
	}
	return stage
}

// NextStage returns the stage following stage in the pipeline of jobType.
func (t *Tracker) NextStage(jobType, stage string) (string, bool) {
	return t.cfg.Pipelines.Next(jobType, stage)
}

// Pipelines returns the configured pipeline definitions.
func (t *Tracker) Pipelines() Pipelines {
	return t.cfg.Pipelines
}

// CreateJobRequest describes a job submission.
type CreateJobRequest struct {
	JobType string          `json:"job_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// InitialStage defaults to the first stage of the job type's pipeline.
	InitialStage      string        `json:"initial_stage,omitempty"`
	Priority          int           `json:"priority"`
	MaxAttempts       int           `json:"max_attempts,omitempty"`
	RetryDelaySeconds int           `json:"retry_delay_seconds,omitempty"`
	Delay             time.Duration `json:"-"`
	VisibilityTimeout time.Duration `json:"-"`
}

// EnqueueRequest describes one stage enqueue. Zero values take the tracker
// defaults.
type EnqueueRequest struct {
	Queue             string
	JobID             string
	Stage             string
	Payload           json.RawMessage
	Priority          int
	Delay             time.Duration
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RetryDelaySeconds int
}

// EnqueueResult is the stored stage and the id of the message sent for it.
type EnqueueResult struct {
	MsgID string      `json:"msg_id"`
	Stage *StageState `json:"stage"`
}

// StageDelivery is a dequeued message together with the stage state it
// moved to processing.
type StageDelivery struct {
	*queue.Delivery
	State *StageState
}

// CompleteRequest acknowledges a processed stage. MsgID may be empty when
// the caller archives the message itself.
type CompleteRequest struct {
	Queue  string
	MsgID  string
	JobID  string
	Stage  string
	Result json.RawMessage
}

// RequeueRequest schedules a delayed retry of an in-flight stage.
type RequeueRequest struct {
	Queue            string
	MsgID            string
	JobID            string
	Stage            string
	Payload          json.RawMessage
	BaseDelaySeconds int
	Priority         int
	// VisibilityTimeout of the retried message; zero keeps the stage value.
	VisibilityTimeout time.Duration
	LastError         string
}

// DeadLetterRequest routes an in-flight stage to the dead-letter store.
type DeadLetterRequest struct {
	Queue         string
	MsgID         string
	JobID         string
	Stage         string
	Payload       json.RawMessage
	FailureReason deadletter.Reason
	// ErrorDetails defaults to a document holding LastError.
	ErrorDetails json.RawMessage
	LastError    string
	// AttemptCount defaults to the stage attempt count.
	AttemptCount int
}

// ExtendRequest pushes back the visibility deadline of an in-flight stage.
type ExtendRequest struct {
	Queue    string
	MsgID    string
	JobID    string
	Stage    string
	ExtendBy time.Duration
}

// CreateJob inserts the job and its initial stage, then sends the first
// queue message. When only the send fails the recorded job is returned with
// the retryable error; its stage stays pending until Reconcile sends it.
func (t *Tracker) CreateJob(ctx context.Context, req CreateJobRequest) (_ *Job, err error) {
	jobType := strings.TrimSpace(req.JobType)
	if jobType == "" {
		return nil, pipelineError(ErrValidation, "job_type is required")
	}
	stageName := strings.TrimSpace(req.InitialStage)
	if stageName == "" {
		if stages := t.cfg.Pipelines[jobType]; len(stages) > 0 {
			stageName = stages[0]
		}
	}
	if stageName == "" {
		return nil, pipelineError(ErrValidation, "initial_stage is required for job type "+jobType)
	}
	if err := validatePayload(req.Payload); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationCreateJob, tracing.WithJobID(id), tracing.WithStage(stageName))
	defer func() { tracing.End(span, err) }()

	now := t.now()
	maxAttempts := positiveOr(req.MaxAttempts, t.cfg.DefaultMaxAttempts)
	retryDelay := positiveOr(req.RetryDelaySeconds, t.cfg.DefaultRetryDelaySeconds)
	delay := max(req.Delay, 0)

	job := &Job{
		ID:                id,
		JobType:           jobType,
		Status:            JobQueued,
		Stage:             stageName,
		Priority:          req.Priority,
		Payload:           req.Payload,
		MaxAttempts:       maxAttempts,
		RetryDelaySeconds: retryDelay,
		CreatedAt:         now,
		UpdatedAt:         now,
		FirstQueuedAt:     timePtr(now),
		LastQueuedAt:      timePtr(now),
	}
	state := &StageState{
		JobID:                    id,
		Stage:                    stageName,
		Queue:                    t.QueueFor(stageName),
		Status:                   StageQueued,
		Payload:                  req.Payload,
		MaxAttempts:              maxAttempts,
		RetryDelaySeconds:        retryDelay,
		Priority:                 req.Priority,
		VisibilityTimeoutSeconds: t.visibilitySeconds(req.VisibilityTimeout),
		AvailableAt:              now.Add(delay),
		LastQueuedAt:             timePtr(now),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := t.store.CreateJob(ctx, job, state); err != nil {
		return nil, err
	}
	t.appendEvent(ctx, id, stageName, EventCreated, "job created", map[string]any{"job_type": jobType})
	recordTransition(stageName, "created")

	msgID, err := t.send(ctx, state, delay)
	if err != nil {
		if recorded, getErr := t.store.GetJob(ctx, id); getErr == nil {
			return recorded, err
		}
		return nil, err
	}
	t.appendEvent(ctx, id, stageName, EventQueued, "stage queued", map[string]any{"msg_id": msgID, "queue": state.Queue})
	t.log.WithContext(logger.ContextWithJob(ctx, id, stageName)).Info("job created", "job_type", jobType, "queue", state.Queue, "msg_id", msgID)
	return t.store.GetJob(ctx, id)
}

// EnqueueStage upserts the stage to queued under the merge policy and sends
// a queue message for it. It fails with ErrTerminal once the job or the
// stage finished.
func (t *Tracker) EnqueueStage(ctx context.Context, req EnqueueRequest) (_ *EnqueueResult, err error) {
	if strings.TrimSpace(req.JobID) == "" {
		return nil, pipelineError(ErrValidation, "job_id is required")
	}
	if strings.TrimSpace(req.Stage) == "" {
		return nil, pipelineError(ErrValidation, "stage is required")
	}
	if err := validatePayload(req.Payload); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationEnqueueStage,
		tracing.WithJobID(req.JobID), tracing.WithStage(req.Stage), tracing.WithQueue(req.Queue))
	defer func() { tracing.End(span, err) }()

	now := t.now()
	queueName := strings.TrimSpace(req.Queue)
	if queueName == "" {
		queueName = t.QueueFor(req.Stage)
	}
	state, err := t.store.UpsertStage(ctx, StageUpsert{
		JobID:                    req.JobID,
		Stage:                    req.Stage,
		Queue:                    queueName,
		Payload:                  req.Payload,
		Priority:                 req.Priority,
		AvailableAt:              now.Add(max(req.Delay, 0)),
		VisibilityTimeoutSeconds: t.visibilitySeconds(req.VisibilityTimeout),
		MaxAttempts:              positiveOr(req.MaxAttempts, t.cfg.DefaultMaxAttempts),
		RetryDelaySeconds:        positiveOr(req.RetryDelaySeconds, t.cfg.DefaultRetryDelaySeconds),
		Now:                      now,
	}, t.cfg.Policy)
	if err != nil {
		return nil, err
	}
	recordTransition(req.Stage, "queued")

	// The merged availability may be earlier or later than requested.
	msgID, err := t.send(ctx, state, max(state.AvailableAt.Sub(now), 0))
	if err != nil {
		return nil, err
	}
	t.appendEvent(ctx, req.JobID, req.Stage, EventQueued, "stage queued", map[string]any{
		"msg_id":   msgID,
		"queue":    queueName,
		"priority": state.Priority,
	})
	return &EnqueueResult{MsgID: msgID, Stage: state}, nil
}

func (t *Tracker) send(ctx context.Context, state *StageState, delay time.Duration) (string, error) {
	now := t.now()
	msg := queue.Message{
		JobID:       state.JobID,
		Stage:       state.Stage,
		Payload:     state.Payload,
		Priority:    state.Priority,
		AvailableAt: state.AvailableAt,
		EnqueuedAt:  now,
	}
	msgID, err := t.queue.Enqueue(ctx, state.Queue, msg, delay)
	if err == nil {
		return msgID, nil
	}

	log := t.log.WithContext(logger.ContextWithJob(ctx, state.JobID, state.Stage))
	if revertErr := t.store.RevertStage(ctx, state.JobID, state.Stage, err.Error(), now); revertErr != nil {
		log.Error("failed to revert stage after send failure", "error", revertErr)
	}
	t.appendEvent(ctx, state.JobID, state.Stage, EventEnqueueFailed, err.Error(), map[string]any{"queue": state.Queue})
	recordTransition(state.Stage, "enqueue_failed")
	log.Warn("queue send failed, stage reverted to pending", "queue", state.Queue, "error", err)
	return "", fmt.Errorf("%w: send %s to %s: %w", ErrRetryable, state.Stage, state.Queue, err)
}

// DequeueStage pops at most one delivery from queueName.
func (t *Tracker) DequeueStage(ctx context.Context, queueName string, visibility time.Duration) (*StageDelivery, error) {
	deliveries, err := t.DequeueStageBatch(ctx, queueName, visibility, 1)
	if err != nil || len(deliveries) == 0 {
		return nil, err
	}
	return deliveries[0], nil
}

// DequeueStageBatch pops up to size deliveries and moves their stages to
// processing. Deliveries for unknown jobs or finished work are archived and
// dropped from the result.
func (t *Tracker) DequeueStageBatch(ctx context.Context, queueName string, visibility time.Duration, size int) (_ []*StageDelivery, err error) {
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationDequeueStage, tracing.WithQueue(queueName), tracing.AsConsumer())
	defer func() { tracing.End(span, err) }()

	if visibility <= 0 {
		visibility = t.cfg.DefaultVisibilityTimeout
	}
	deliveries, err := t.queue.DequeueBatch(ctx, queueName, visibility, size)
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue %s: %w", ErrRetryable, queueName, err)
	}

	out := make([]*StageDelivery, 0, len(deliveries))
	for _, delivery := range deliveries {
		msg := delivery.Message
		log := t.log.WithContext(logger.ContextWithJob(ctx, msg.JobID, msg.Stage))
		now := t.now()
		visibleUntil := delivery.VisibleUntil
		if visibleUntil.IsZero() {
			visibleUntil = now.Add(visibility)
		}

		state, markErr := t.store.MarkDequeued(ctx, msg.JobID, msg.Stage, visibleUntil, now)
		switch {
		case errors.Is(markErr, ErrTerminal):
			if !t.settleFinished(ctx, msg.JobID, msg.Stage) {
				// Left in flight; the next redelivery tries again.
				continue
			}
			log.Info("skipping stale delivery", "queue", queueName, "msg_id", delivery.ID, "reason", markErr)
			t.archive(ctx, queueName, delivery.ID)
			recordTransition(msg.Stage, "skipped")
			continue
		case errors.Is(markErr, ErrNotFound):
			log.Info("skipping stale delivery", "queue", queueName, "msg_id", delivery.ID, "reason", markErr)
			t.archive(ctx, queueName, delivery.ID)
			recordTransition(msg.Stage, "skipped")
			continue
		case markErr != nil:
			// The message becomes visible again when the timeout elapses.
			log.Error("failed to mark stage dequeued", "queue", queueName, "msg_id", delivery.ID, "error", markErr)
			continue
		}

		recordTransition(msg.Stage, "dequeued")
		t.appendEvent(ctx, msg.JobID, msg.Stage, EventDequeued, "stage dequeued", map[string]any{
			"msg_id":        delivery.ID,
			"queue":         queueName,
			"attempt_count": state.AttemptCount,
			"read_count":    delivery.ReadCount,
		})
		t.recordMetric(ctx, monitor.Sample{
			JobID:        msg.JobID,
			Stage:        msg.Stage,
			Type:         monitor.MetricAttempt,
			Value:        float64(state.AttemptCount),
			AttemptCount: state.AttemptCount,
			Priority:     state.Priority,
		})
		out = append(out, &StageDelivery{Delivery: delivery, State: state})
	}
	return out, nil
}

// MarkCompleted completes the stage and, when it ends the job type's
// pipeline, the job. A failed stage is left untouched and ErrTerminal is
// returned. The delivery is archived in both cases.
func (t *Tracker) MarkCompleted(ctx context.Context, req CompleteRequest) (_ *Job, err error) {
	if err := validatePayload(req.Result); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationCompleteStage,
		tracing.WithJobID(req.JobID), tracing.WithStage(req.Stage), tracing.WithQueue(req.Queue))
	defer func() { tracing.End(span, err) }()

	state, err := t.store.GetStage(ctx, req.JobID, req.Stage)
	if err != nil {
		return nil, err
	}
	job, err := t.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	terminal := t.cfg.Pipelines.IsTerminal(job.JobType, req.Stage)
	job, err = t.store.CompleteStage(ctx, req.JobID, req.Stage, req.Result, terminal, now)
	if errors.Is(err, ErrTerminal) {
		t.archive(ctx, t.queueOf(req.Queue, state), req.MsgID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	t.archive(ctx, t.queueOf(req.Queue, state), req.MsgID)
	recordTransition(req.Stage, "completed")

	if state.LastDequeuedAt != nil {
		t.recordMetric(ctx, monitor.Sample{
			JobID:        req.JobID,
			Stage:        req.Stage,
			Type:         monitor.MetricDuration,
			Value:        now.Sub(*state.LastDequeuedAt).Seconds(),
			AttemptCount: state.AttemptCount,
			Priority:     state.Priority,
		})
	}
	t.appendEvent(ctx, req.JobID, req.Stage, EventCompleted, "stage completed", map[string]any{
		"job_completed": terminal,
		"attempt_count": state.AttemptCount,
	})
	t.log.WithContext(logger.ContextWithJob(ctx, req.JobID, req.Stage)).Info("stage completed", "job_status", job.Status)
	return job, nil
}

// AdvanceRequest queues the pipeline stage that follows a completed one.
type AdvanceRequest struct {
	JobID string
	// Stage is the completed stage.
	Stage  string
	Result json.RawMessage
	// Priority of the next stage; zero keeps the job priority.
	Priority int
}

// AdvanceJob enqueues the stage following req.Stage in the pipeline of the
// job type. The completed stage's result becomes the next payload, or the
// job payload when the result is empty. It returns nil without error when
// the job has finished or req.Stage ends its pipeline.
func (t *Tracker) AdvanceJob(ctx context.Context, req AdvanceRequest) (*EnqueueResult, error) {
	job, err := t.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, nil
	}
	next, ok := t.NextStage(job.JobType, req.Stage)
	if !ok {
		return nil, nil
	}
	payload := req.Result
	if len(payload) == 0 {
		payload = job.Payload
	}
	priority := req.Priority
	if priority == 0 {
		priority = job.Priority
	}
	return t.EnqueueStage(ctx, EnqueueRequest{
		JobID:             req.JobID,
		Stage:             next,
		Payload:           payload,
		Priority:          priority,
		MaxAttempts:       job.MaxAttempts,
		RetryDelaySeconds: job.RetryDelaySeconds,
	})
}

// Acknowledge archives a delivery whose outcome is already recorded.
func (t *Tracker) Acknowledge(ctx context.Context, queueName, msgID string) error {
	if strings.TrimSpace(queueName) == "" || strings.TrimSpace(msgID) == "" {
		return pipelineError(ErrValidation, "queue and msg_id are required")
	}
	if err := t.queue.Archive(ctx, queueName, msgID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%w: archive %s: %w", ErrRetryable, msgID, err)
	}
	return nil
}

// settleFinished handles a redelivered message of a finished stage. When
// the stage completed but its successor was never queued, or its send
// failed, the successor is repaired before the message goes away. It
// reports whether the delivery may be archived.
func (t *Tracker) settleFinished(ctx context.Context, jobID, stage string) bool {
	state, err := t.store.GetStage(ctx, jobID, stage)
	if err != nil || state.Status != StageCompleted {
		return true
	}
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return true
	}
	target := state
	if job.Stage != stage {
		next, ok := t.NextStage(job.JobType, stage)
		if !ok || next != job.Stage {
			return true
		}
		if target, err = t.store.GetStage(ctx, jobID, next); err != nil || target.Status != StagePending {
			return true
		}
	}
	if _, err := t.repair(ctx, target, t.now()); err != nil && !errors.Is(err, ErrTerminal) {
		t.log.WithContext(logger.ContextWithJob(ctx, jobID, stage)).Warn("failed to repair stage on redelivery",
			"stage_status", target.Status, "error", err)
		return false
	}
	return true
}

// ReconcileReport counts the stages one Reconcile pass repaired.
type ReconcileReport struct {
	Resent   int `json:"resent"`
	Advanced int `json:"advanced"`
	Failed   int `json:"failed"`
}

// Reconcile repairs stages of running jobs that no queue message stands for
// and that were last updated more than grace ago. Pending stages are sent
// again and completed stages that were never advanced queue their next
// stage. Stages that fail again are counted and retried on the next pass.
func (t *Tracker) Reconcile(ctx context.Context, grace time.Duration, limit int) (_ *ReconcileReport, err error) {
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationReconcile)
	defer func() { tracing.End(span, err) }()

	if limit <= 0 {
		limit = DefaultReconcileLimit
	}
	now := t.now()
	stages, err := t.store.ListStalled(ctx, now.Add(-max(grace, 0)), limit)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, state := range stages {
		kind, repairErr := t.repair(ctx, state, now)
		switch {
		case repairErr != nil && !errors.Is(repairErr, ErrTerminal):
			report.Failed++
			t.log.WithContext(logger.ContextWithJob(ctx, state.JobID, state.Stage)).Warn("failed to reconcile stage",
				"stage_status", state.Status, "error", repairErr)
		case kind == repairResent:
			report.Resent++
		case kind == repairAdvanced:
			report.Advanced++
		}
	}
	if report.Resent+report.Advanced+report.Failed > 0 {
		t.log.Info("stages reconciled", "resent", report.Resent, "advanced", report.Advanced, "failed", report.Failed)
	}
	return report, nil
}

const (
	repairResent   = "resent"
	repairAdvanced = "advanced"
)

// repair sends a pending stage again or advances past a completed one.
func (t *Tracker) repair(ctx context.Context, state *StageState, now time.Time) (string, error) {
	var (
		kind string
		res  *EnqueueResult
		err  error
	)
	switch state.Status {
	case StagePending:
		kind = repairResent
		res, err = t.EnqueueStage(ctx, EnqueueRequest{
			Queue:             state.Queue,
			JobID:             state.JobID,
			Stage:             state.Stage,
			Payload:           state.Payload,
			Priority:          state.Priority,
			Delay:             max(state.AvailableAt.Sub(now), 0),
			VisibilityTimeout: time.Duration(state.VisibilityTimeoutSeconds) * time.Second,
			MaxAttempts:       state.MaxAttempts,
			RetryDelaySeconds: state.RetryDelaySeconds,
		})
	case StageCompleted:
		kind = repairAdvanced
		res, err = t.AdvanceJob(ctx, AdvanceRequest{
			JobID:    state.JobID,
			Stage:    state.Stage,
			Result:   state.Result,
			Priority: state.Priority,
		})
	default:
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	recordTransition(state.Stage, kind)
	t.appendEvent(ctx, state.JobID, res.Stage.Stage, EventReconciled, kind, map[string]any{
		"msg_id":     res.MsgID,
		"from_stage": state.Stage,
	})
	return kind, nil
}

// DelayedRequeueStage sends a new message for the stage after a linear
// backoff and archives the in-flight one.
func (t *Tracker) DelayedRequeueStage(ctx context.Context, req RequeueRequest) (_ *EnqueueResult, err error) {
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationRequeueStage,
		tracing.WithJobID(req.JobID), tracing.WithStage(req.Stage), tracing.WithQueue(req.Queue))
	defer func() { tracing.End(span, err) }()

	state, err := t.store.GetStage(ctx, req.JobID, req.Stage)
	if err != nil {
		return nil, err
	}
	queueName := t.queueOf(req.Queue, state)
	delay := RetryDelay(req.BaseDelaySeconds, state.RetryDelaySeconds, state.AttemptCount)

	visibility := req.VisibilityTimeout
	if visibility <= 0 {
		visibility = time.Duration(state.VisibilityTimeoutSeconds) * time.Second
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = state.Payload
	}
	res, err := t.EnqueueStage(ctx, EnqueueRequest{
		Queue:             queueName,
		JobID:             req.JobID,
		Stage:             req.Stage,
		Payload:           payload,
		Priority:          req.Priority,
		Delay:             delay,
		VisibilityTimeout: visibility,
		MaxAttempts:       state.MaxAttempts,
		RetryDelaySeconds: state.RetryDelaySeconds,
	})
	if errors.Is(err, ErrTerminal) {
		t.archive(ctx, queueName, req.MsgID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	now := t.now()
	nextRetryAt := now.Add(delay)
	if err := t.store.RecordRetry(ctx, req.JobID, req.Stage, nextRetryAt, req.LastError, now); err != nil {
		return nil, err
	}
	t.archive(ctx, queueName, req.MsgID)
	recordTransition(req.Stage, "retry_scheduled")

	t.recordMetric(ctx, monitor.Sample{
		JobID:        req.JobID,
		Stage:        req.Stage,
		Type:         monitor.MetricFailure,
		Value:        1,
		AttemptCount: state.AttemptCount,
		Priority:     res.Stage.Priority,
		Metadata:     map[string]any{"outcome": "retry", "error": req.LastError},
	})
	t.appendEvent(ctx, req.JobID, req.Stage, EventRetryScheduled, req.LastError, map[string]any{
		"delay_seconds": int(delay / time.Second),
		"attempt_count": state.AttemptCount,
		"msg_id":        res.MsgID,
	})
	t.log.WithContext(logger.ContextWithJob(ctx, req.JobID, req.Stage)).Warn("stage retry scheduled",
		"attempt_count", state.AttemptCount, "delay", delay, "error", req.LastError)
	res.Stage.NextRetryAt = timePtr(nextRetryAt)
	res.Stage.LastError = req.LastError
	return res, nil
}

// MoveToDeadLetter stores a dead-letter record, fails the stage and the
// job, archives the delivery and forwards an alert. When the store supports
// transactions the record and the state change commit together.
func (t *Tracker) MoveToDeadLetter(ctx context.Context, req DeadLetterRequest) (_ *deadletter.Record, err error) {
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationDeadLetter,
		tracing.WithJobID(req.JobID), tracing.WithStage(req.Stage), tracing.WithQueue(req.Queue))
	defer func() { tracing.End(span, err) }()

	reason := req.FailureReason
	if strings.TrimSpace(string(reason)) == "" {
		return nil, pipelineError(ErrValidation, "failure_reason is required")
	}
	job, err := t.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	state, err := t.store.GetStage(ctx, req.JobID, req.Stage)
	if err != nil {
		return nil, err
	}
	queueName := t.queueOf(req.Queue, state)
	if job.Status.Terminal() {
		t.archive(ctx, queueName, req.MsgID)
		return nil, pipelineError(ErrTerminal, "job "+job.ID+" is "+string(job.Status))
	}

	now := t.now()
	record := &deadletter.Record{
		ID:            uuid.NewString(),
		QueueName:     queueName,
		MsgID:         req.MsgID,
		JobID:         req.JobID,
		Stage:         req.Stage,
		Payload:       req.Payload,
		FailureReason: reason,
		ErrorDetails:  req.ErrorDetails,
		AttemptCount:  req.AttemptCount,
		RoutedAt:      now,
	}
	if len(record.Payload) == 0 {
		record.Payload = state.Payload
	}
	if record.AttemptCount <= 0 {
		record.AttemptCount = state.AttemptCount
	}
	if len(record.ErrorDetails) == 0 {
		record.ErrorDetails = deadletter.ErrorDetails(nil, map[string]any{"error": req.LastError})
	}
	errText := req.LastError
	if errText == "" {
		errText = string(reason)
	}

	markFailed := func(ctx context.Context) error {
		_, err := t.store.MarkFailed(ctx, req.JobID, req.Stage, string(reason), errText, now)
		return err
	}
	if tx, ok := t.store.(Transactor); ok {
		err = tx.WithTransaction(ctx, func(ctx context.Context) error {
			if err := t.dlq.Append(ctx, record); err != nil {
				return err
			}
			return markFailed(ctx)
		})
	} else if err = markFailed(ctx); err == nil {
		// Failing the stage first means a job completed concurrently leaves
		// no record behind.
		err = t.dlq.Append(ctx, record)
	}
	if errors.Is(err, ErrTerminal) {
		t.archive(ctx, queueName, req.MsgID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	t.archive(ctx, queueName, req.MsgID)
	recordTransition(req.Stage, "dead_lettered")

	t.recordMetric(ctx, monitor.Sample{
		JobID:        req.JobID,
		Stage:        req.Stage,
		Type:         monitor.MetricFailure,
		Value:        1,
		AttemptCount: record.AttemptCount,
		Priority:     state.Priority,
		Metadata:     map[string]any{"outcome": "dead_letter", "reason": string(reason)},
	})
	t.appendEvent(ctx, req.JobID, req.Stage, EventDeadLettered, errText, map[string]any{
		"dead_letter_id": record.ID,
		"reason":         string(reason),
		"attempt_count":  record.AttemptCount,
	})
	t.log.WithContext(logger.ContextWithJob(ctx, req.JobID, req.Stage)).Error("stage dead-lettered",
		"reason", reason, "attempt_count", record.AttemptCount, "error", errText)
	if t.notifier != nil {
		t.notifier.Notify(ctx, alert.Notification{
			Kind:       alert.KindDeadLetter,
			Severity:   alert.SeverityCritical,
			Title:      fmt.Sprintf("Job %s dead-lettered at stage %s", req.JobID, req.Stage),
			Summary:    fmt.Sprintf("%s after %d attempts: %s", reason, record.AttemptCount, errText),
			DeadLetter: record,
			OccurredAt: now,
		})
	}
	return record, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NonRetryable marks err so that RecordFailure dead-letters the stage
// without further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with NonRetryable.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RecordFailure decides between a delayed retry and the dead-letter store
// for a failed delivery. Permanent errors and exhausted stages are
// dead-lettered.
func (t *Tracker) RecordFailure(ctx context.Context, delivery *StageDelivery, cause error) error {
	if delivery == nil || delivery.Delivery == nil || delivery.State == nil {
		return pipelineError(ErrValidation, "delivery is required")
	}
	if cause == nil {
		cause = errors.New("stage failed")
	}
	state := delivery.State
	msg := delivery.Message

	var reason deadletter.Reason
	switch {
	case IsPermanent(cause):
		reason = deadletter.ReasonNonRetryable
	case state.Exhausted():
		reason = deadletter.ReasonMaxAttempts
	}
	if reason != "" {
		_, err := t.MoveToDeadLetter(ctx, DeadLetterRequest{
			Queue:         delivery.Queue,
			MsgID:         delivery.ID,
			JobID:         msg.JobID,
			Stage:         msg.Stage,
			Payload:       msg.Payload,
			FailureReason: reason,
			ErrorDetails: deadletter.ErrorDetails(cause, map[string]any{
				"read_count":   delivery.ReadCount,
				"max_attempts": state.MaxAttempts,
			}),
			LastError:    cause.Error(),
			AttemptCount: state.AttemptCount,
		})
		return err
	}

	_, err := t.DelayedRequeueStage(ctx, RequeueRequest{
		Queue:     delivery.Queue,
		MsgID:     delivery.ID,
		JobID:     msg.JobID,
		Stage:     msg.Stage,
		Payload:   msg.Payload,
		Priority:  state.Priority,
		LastError: cause.Error(),
	})
	return err
}

// ExtendVisibility pushes back the deadline of an in-flight delivery. When
// the backend cannot extend, only StageState.visible_until records it.
func (t *Tracker) ExtendVisibility(ctx context.Context, req ExtendRequest) (time.Time, error) {
	if req.ExtendBy <= 0 {
		return time.Time{}, pipelineError(ErrValidation, "extend_by must be positive")
	}
	state, err := t.store.GetStage(ctx, req.JobID, req.Stage)
	if err != nil {
		return time.Time{}, err
	}
	if state.Status.Terminal() {
		return time.Time{}, pipelineError(ErrTerminal, "stage "+req.Stage+" of job "+req.JobID+" is "+string(state.Status))
	}
	queueName := t.queueOf(req.Queue, state)

	now := t.now()
	deadline, err := t.queue.ExtendVisibility(ctx, queueName, req.MsgID, req.ExtendBy)
	extended := true
	switch {
	case errors.Is(err, queue.ErrExtendUnsupported):
		deadline = now.Add(req.ExtendBy)
		extended = false
	case errors.Is(err, queue.ErrNotFound):
		return time.Time{}, pipelineError(ErrNotFound, "message "+req.MsgID+" is not in flight")
	case err != nil:
		return time.Time{}, fmt.Errorf("%w: extend %s: %w", ErrRetryable, req.MsgID, err)
	}

	if err := t.store.SetVisibleUntil(ctx, req.JobID, req.Stage, deadline, now); err != nil {
		return time.Time{}, err
	}
	t.appendEvent(ctx, req.JobID, req.Stage, EventVisibilityExtended, "", map[string]any{
		"msg_id":        req.MsgID,
		"visible_until": deadline,
		"queue_updated": extended,
	})
	return deadline, nil
}

// ReplayDeadLetter re-enqueues the stage of a dead-letter record with a
// fresh attempt budget. The record itself is kept.
func (t *Tracker) ReplayDeadLetter(ctx context.Context, recordID string) (*EnqueueResult, error) {
	record, err := t.dlq.Get(ctx, recordID)
	if errors.Is(err, deadletter.ErrNotFound) {
		return nil, pipelineError(ErrNotFound, "dead letter "+recordID)
	}
	if err != nil {
		return nil, err
	}
	if err := t.store.ResetStage(ctx, record.JobID, record.Stage, t.now()); err != nil {
		return nil, err
	}
	res, err := t.EnqueueStage(ctx, EnqueueRequest{
		Queue:   record.QueueName,
		JobID:   record.JobID,
		Stage:   record.Stage,
		Payload: record.Payload,
	})
	if err != nil {
		return nil, err
	}
	recordTransition(record.Stage, "replayed")
	t.appendEvent(ctx, record.JobID, record.Stage, EventReplayed, "dead letter replayed", map[string]any{
		"dead_letter_id": record.ID,
		"msg_id":         res.MsgID,
	})
	t.log.WithContext(logger.ContextWithJob(ctx, record.JobID, record.Stage)).Info("dead letter replayed", "dead_letter_id", record.ID)
	return res, nil
}

// ListDeadLetters proxies the dead-letter store.
func (t *Tracker) ListDeadLetters(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Record, error) {
	return t.dlq.List(ctx, filter)
}

func (t *Tracker) GetJob(ctx context.Context, id string) (*Job, error) {
	return t.store.GetJob(ctx, id)
}

func (t *Tracker) ListStages(ctx context.Context, jobID string) ([]*StageState, error) {
	return t.store.ListStages(ctx, jobID)
}

func (t *Tracker) ListEvents(ctx context.Context, jobID string) ([]*Event, error) {
	return t.store.ListEvents(ctx, jobID)
}

// Backlog returns the ready and in-flight counts of stage at the current
// time.
func (t *Tracker) Backlog(ctx context.Context, stage string) (Backlog, error) {
	return t.store.Backlog(ctx, stage, t.now())
}

func (t *Tracker) StageStatusCounts(ctx context.Context) ([]StatusCount, error) {
	return t.store.StageStatusCounts(ctx)
}

// StaleCounts implements monitor.StaleSource.
func (t *Tracker) StaleCounts(ctx context.Context) ([]monitor.DepthCount, error) {
	counts, err := t.store.StaleCounts(ctx, t.now())
	if err != nil {
		return nil, err
	}
	out := make([]monitor.DepthCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, monitor.DepthCount{Stage: c.Stage, Status: string(c.Status), Count: c.Count})
	}
	return out, nil
}

// DepthCounts implements monitor.DepthSource.
func (t *Tracker) DepthCounts(ctx context.Context) ([]monitor.DepthCount, error) {
	counts, err := t.store.StageStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]monitor.DepthCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, monitor.DepthCount{Stage: c.Stage, Status: string(c.Status), Count: c.Count})
	}
	return out, nil
}

// RecordEvent appends an audit event, filling ID and CreatedAt.
func (t *Tracker) RecordEvent(ctx context.Context, event *Event) error {
	if event == nil || strings.TrimSpace(string(event.Kind)) == "" {
		return pipelineError(ErrValidation, "event kind is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.now()
	}
	return t.store.AppendEvent(ctx, event)
}

func (t *Tracker) appendEvent(ctx context.Context, jobID, stage string, kind EventKind, message string, metadata map[string]any) {
	event := &Event{JobID: jobID, Stage: stage, Kind: kind, Message: message, Metadata: metadata}
	if err := t.RecordEvent(ctx, event); err != nil {
		t.log.WithContext(logger.ContextWithJob(ctx, jobID, stage)).Warn("failed to append job event", "kind", kind, "error", err)
	}
}

func (t *Tracker) archive(ctx context.Context, queueName, msgID string) {
	if msgID == "" || queueName == "" {
		return
	}
	if err := t.queue.Archive(ctx, queueName, msgID); err != nil {
		// The message reappears after its timeout and is skipped as stale.
		t.log.Warn("failed to archive message", "queue", queueName, "msg_id", msgID, "error", err)
	}
}

func (t *Tracker) recordMetric(ctx context.Context, sample monitor.Sample) {
	if t.metrics == nil {
		return
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = t.now()
	}
	t.metrics.RecordMetric(ctx, sample)
}

func (t *Tracker) queueOf(requested string, state *StageState) string {
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	if state != nil && state.Queue != "" {
		return state.Queue
	}
	if state != nil {
		return t.QueueFor(state.Stage)
	}
	return ""
}

func (t *Tracker) visibilitySeconds(d time.Duration) int {
	if d <= 0 {
		d = t.cfg.DefaultVisibilityTimeout
	}
	return int((d + time.Second - 1) / time.Second)
}

func validatePayload(raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return pipelineError(ErrValidation, "payload must be valid JSON")
	}
	return nil
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
