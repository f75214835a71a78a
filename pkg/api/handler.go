// Package api exposes the conveyor job lifecycle, dead-letter management,
// dispatch and pipeline health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/dispatcher"
	"github.com/nimburion/conveyor/pkg/health"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/observability/metrics"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/version"
)

const defaultMaxRequestSize = 1 << 20

// Tracker is the part of the pipeline tracker served over HTTP.
type Tracker interface {
	QueueFor(stage string) string
	CreateJob(ctx context.Context, req pipeline.CreateJobRequest) (*pipeline.Job, error)
	GetJob(ctx context.Context, id string) (*pipeline.Job, error)
	ListStages(ctx context.Context, jobID string) ([]*pipeline.StageState, error)
	ListEvents(ctx context.Context, jobID string) ([]*pipeline.Event, error)
	EnqueueStage(ctx context.Context, req pipeline.EnqueueRequest) (*pipeline.EnqueueResult, error)
	DequeueStageBatch(ctx context.Context, queueName string, visibility time.Duration, size int) ([]*pipeline.StageDelivery, error)
	MarkCompleted(ctx context.Context, req pipeline.CompleteRequest) (*pipeline.Job, error)
	DelayedRequeueStage(ctx context.Context, req pipeline.RequeueRequest) (*pipeline.EnqueueResult, error)
	MoveToDeadLetter(ctx context.Context, req pipeline.DeadLetterRequest) (*deadletter.Record, error)
	ExtendVisibility(ctx context.Context, req pipeline.ExtendRequest) (time.Time, error)
	ListDeadLetters(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Record, error)
	ReplayDeadLetter(ctx context.Context, recordID string) (*pipeline.EnqueueResult, error)
	Backlog(ctx context.Context, stage string) (pipeline.Backlog, error)
}

// Ticker runs one dispatcher pass.
type Ticker interface {
	Tick(ctx context.Context) (*dispatcher.TickReport, error)
}

// PipelineHealth evaluates stage health against thresholds.
type PipelineHealth interface {
	HealthCheck(ctx context.Context, thresholds monitor.Thresholds) (*monitor.Report, error)
}

// Options wires the handler. Tracker and Logger are required; the other
// collaborators are optional and their routes are omitted when nil.
type Options struct {
	Tracker    Tracker
	Dispatcher Ticker
	Monitor    PipelineHealth
	Thresholds monitor.Thresholds
	Health     *health.Registry
	Metrics    *metrics.Registry
	// Worker receives dispatcher invocations on POST /v1/worker/invoke.
	Worker http.Handler
	// Stages lists the stages reported by GET /v1/backlog without a stage
	// filter.
	Stages         []string
	Version        version.Info
	MaxRequestSize int64
	Logger         logger.Logger
}

type handler struct {
	opts    Options
	log     logger.Logger
	maxBody int64
}

// NewHandler builds the conveyor HTTP API.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Tracker == nil {
		return nil, errors.New("api tracker is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("api logger is required")
	}
	h := &handler{
		opts:    opts,
		log:     opts.Logger.With("component", "api"),
		maxBody: opts.MaxRequestSize,
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxRequestSize
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(h.notFound)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware(routeTemplate))
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/healthz/{check}", h.healthCheck).Methods(http.MethodGet)
	r.HandleFunc("/version", h.version).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/stages", h.listStages).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/events", h.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/stages/{stage}/enqueue", h.enqueueStage).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/stages/{stage}/complete", h.completeStage).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/stages/{stage}/requeue", h.requeueStage).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/stages/{stage}/dead-letter", h.deadLetterStage).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/stages/{stage}/extend", h.extendStage).Methods(http.MethodPost)
	v1.HandleFunc("/queues/{queue}/dequeue", h.dequeue).Methods(http.MethodPost)
	v1.HandleFunc("/dead-letters", h.listDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/dead-letters/{id}/replay", h.replayDeadLetter).Methods(http.MethodPost)
	v1.HandleFunc("/backlog", h.backlog).Methods(http.MethodGet)
	if opts.Dispatcher != nil {
		v1.HandleFunc("/dispatch", h.dispatch).Methods(http.MethodPost)
	}
	if opts.Monitor != nil {
		v1.HandleFunc("/health/pipeline", h.pipelineHealth).Methods(http.MethodGet)
	}
	if opts.Worker != nil {
		v1.Handle("/worker/invoke", opts.Worker).Methods(http.MethodPost)
	}

	return requestID(recovery(h.log)(accessLog(h.log)(r))), nil
}

func (h *handler) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{
		Error:     "not_found",
		Code:      "route.not_found",
		Message:   fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
		return
	}
	result := h.opts.Health.Check(r.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (h *handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["check"]
	if h.opts.Health == nil {
		h.notFound(w, r)
		return
	}
	result, err := h.opts.Health.CheckOne(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:     "not_found",
			Code:      "health.check_not_found",
			Message:   err.Error(),
			RequestID: RequestIDFromContext(r.Context()),
		})
		return
	}
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (h *handler) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Version)
}

type createJobBody struct {
	JobType                  string          `json:"job_type"`
	Payload                  json.RawMessage `json:"payload,omitempty"`
	InitialStage             string          `json:"initial_stage,omitempty"`
	Priority                 int             `json:"priority"`
	MaxAttempts              int             `json:"max_attempts,omitempty"`
	RetryDelaySeconds        int             `json:"retry_delay_seconds,omitempty"`
	DelaySeconds             int             `json:"delay_seconds,omitempty"`
	VisibilityTimeoutSeconds int             `json:"visibility_timeout_seconds,omitempty"`
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if err := decode(r, h.maxBody, &body); err != nil {
		failure(w, r, h.log, err)
		return
	}
	job, err := h.opts.Tracker.CreateJob(r.Context(), pipeline.CreateJobRequest{
		JobType:           body.JobType,
		Payload:           body.Payload,
		InitialStage:      body.InitialStage,
		Priority:          body.Priority,
		MaxAttempts:       body.MaxAttempts,
		RetryDelaySeconds: body.RetryDelaySeconds,
		Delay:             seconds(body.DelaySeconds),
		VisibilityTimeout: seconds(body.VisibilityTimeoutSeconds),
	})
	if err != nil && job != nil && errors.Is(err, pipeline.ErrRetryable) {
		// The job is recorded; the scheduler's reconcile task sends it.
		h.log.Warn("job created without a queue message", "job_id", job.ID, "error", err)
		success(w, r, http.StatusAccepted, job)
		return
	}
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusCreated, job)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.opts.Tracker.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, job)
}

func (h *handler) listStages(w http.ResponseWriter, r *http.Request) {
	stages, err := h.opts.Tracker.ListStages(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, stages)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.opts.Tracker.ListEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, events)
}

type enqueueBody struct {
	Queue                    string          `json:"queue,omitempty"`
	Payload                  json.RawMessage `json:"payload,omitempty"`
	Priority                 int             `json:"priority"`
	DelaySeconds             int             `json:"delay_seconds,omitempty"`
	VisibilityTimeoutSeconds int             `json:"visibility_timeout_seconds,omitempty"`
	MaxAttempts              int             `json:"max_attempts,omitempty"`
	RetryDelaySeconds        int             `json:"retry_delay_seconds,omitempty"`
}

func (h *handler) enqueueStage(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := decode(r, h.maxBody, &body); err != nil {
		failure(w, r, h.log, err)
		return
	}
	vars := mux.Vars(r)
	res, err := h.opts.Tracker.EnqueueStage(r.Context(), pipeline.EnqueueRequest{
		Queue:             h.queueOr(body.Queue, vars["stage"]),
		JobID:             vars["id"],
		Stage:             vars["stage"],
		Payload:           body.Payload,
		Priority:          body.Priority,
		Delay:             seconds(body.DelaySeconds),
		VisibilityTimeout: seconds(body.VisibilityTimeoutSeconds),
		MaxAttempts:       body.MaxAttempts,
		RetryDelaySeconds: body.RetryDelaySeconds,
	})
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusCreated, res)
}

type completeBody struct {
	Queue  string          `json:"queue,omitempty"`
	MsgID  string          `json:"msg_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (h *handler) completeStage(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := decode(r, h.maxBody, &body); err != nil {
		failure(w, r, h.log, err)
		return
	}
	vars := mux.Vars(r)
	job, err := h.opts.Tracker.MarkCompleted(r.Context(), pipeline.CompleteRequest{
		Queue:  h.queueOr(body.Queue, vars["stage"]),
		MsgID:  body.MsgID,
		JobID:  vars["id"],
		Stage:  vars["stage"],
		Result: body.Result,
	})
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, job)
}

type requeueBody struct {
	Queue                    string          `json:"queue,omitempty"`
	MsgID                    string          `json:"msg_id"`
	Payload                  json.RawMessage `json:"payload,omitempty"`
	BaseDelaySeconds         int             `json:"base_delay_seconds,omitempty"`
	Priority                 int             `json:"priority"`
	VisibilityTimeoutSeconds int             `json:"visibility_timeout_seconds,omitempty"`
	LastError                string          `json:"last_error,omitempty"`
}

func (h *handler) requeueStage(w http.ResponseWriter, r *http.Request) {
	var body requeueBody
	if err := decode(r, h.maxBody, &body); err != nil {
		failure(w, r, h.log, err)
		return
	}
	vars := mux.Vars(r)
	res, err := h.opts.Tracker.DelayedRequeueStage(r.Context(), pipeline.RequeueRequest{
		Queue:             h.queueOr(body.Queue, vars["stage"]),
		MsgID:             body.MsgID,
		JobID:             vars["id"],
		Stage:             vars["stage"],
		Payload:           body.Payload,
		BaseDelaySeconds:  body.BaseDelaySeconds,
		Priority:          body.Priority,
		VisibilityTimeout: seconds(body.VisibilityTimeoutSeconds),
		LastError:         body.LastError,
	})
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, res)
}

type deadLetterBody struct {
	Queue         string            `json:"queue,omitempty"`
	MsgID         string            `json:"msg_id"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	FailureReason deadletter.Reason `json:"failure_reason,omitempty"`
	ErrorDetails  json.RawMessage   `json:"error_details,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	AttemptCount  int               `json:"attempt_count,omitempty"`
}

func (h *handler) deadLetterStage(w http.ResponseWriter, r *http.Request) {
	var body deadLetterBody
	if err := decode(r, h.maxBody, &body); err != nil {
		failure(w, r, h.log, err)
		return
	}
	if body.FailureReason == "" {
		body.FailureReason = deadletter.ReasonAdministrative
	}
	vars := mux.Vars(r)
	record, err := h.opts.Tracker.MoveToDeadLetter(r.Context(), pipeline.DeadLetterRequest{
		Queue:         h.queueOr(body.Queue, vars["stage"]),
		MsgID:         body.MsgID,
		JobID:         vars["id"],
		Stage:         vars["stage"],
		Payload:       body.Payload,
		FailureReason: body.FailureReason,
		ErrorDetails:  body.ErrorDetails,
		LastError:     body.LastError,
		AttemptCount:  body.AttemptCount,
	})
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusCreated, record)
}

type extendBody struct {
	Queue           string `json:"queue,omitempty"`
	MsgID           string `json:"msg_id"`
	ExtendBySeconds int    `json:"extend_by_seconds"`
}

func (h *handler) extendStage(w http.ResponseWriter, r *http.Request) {
	var body extendBody
	if err := decode(r, h.maxBody, &body); err != nil {
		failure(w, r, h.log, err)
		return
	}
	vars := mux.Vars(r)
	until, err := h.opts.Tracker.ExtendVisibility(r.Context(), pipeline.ExtendRequest{
		Queue:    h.queueOr(body.Queue, vars["stage"]),
		MsgID:    body.MsgID,
		JobID:    vars["id"],
		Stage:    vars["stage"],
		ExtendBy: seconds(body.ExtendBySeconds),
	})
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, map[string]time.Time{"visible_until": until})
}

type dequeueBody struct {
	VisibilityTimeoutSeconds int `json:"visibility_timeout_seconds,omitempty"`
	BatchSize                int `json:"batch_size,omitempty"`
}

// DeliveryView is the wire form of a dequeued stage.
type DeliveryView struct {
	MsgID        string               `json:"msg_id"`
	Queue        string               `json:"queue"`
	JobID        string               `json:"job_id"`
	Stage        string               `json:"stage"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	Priority     int                  `json:"priority"`
	ReadCount    int                  `json:"read_count"`
	VisibleUntil time.Time            `json:"visible_until"`
	State        *pipeline.StageState `json:"state,omitempty"`
}

func (h *handler) dequeue(w http.ResponseWriter, r *http.Request) {
	var body dequeueBody
	if err := decode(r, h.maxBody, &body); err != nil {
		failure(w, r, h.log, err)
		return
	}
	if body.BatchSize <= 0 {
		body.BatchSize = 1
	}
	deliveries, err := h.opts.Tracker.DequeueStageBatch(r.Context(), mux.Vars(r)["queue"],
		seconds(body.VisibilityTimeoutSeconds), body.BatchSize)
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	views := make([]DeliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		views = append(views, DeliveryView{
			MsgID:        d.ID,
			Queue:        d.Queue,
			JobID:        d.Message.JobID,
			Stage:        d.Message.Stage,
			Payload:      d.Message.Payload,
			Priority:     d.Message.Priority,
			ReadCount:    d.ReadCount,
			VisibleUntil: d.VisibleUntil,
			State:        d.State,
		})
	}
	success(w, r, http.StatusOK, views)
}

func (h *handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := deadletter.Filter{
		QueueName: q.Get("queue"),
		Stage:     q.Get("stage"),
		JobID:     q.Get("job_id"),
	}
	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		failure(w, r, h.log, err)
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		failure(w, r, h.log, err)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			failure(w, r, h.log, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
			return
		}
	}
	records, err := h.opts.Tracker.ListDeadLetters(r.Context(), filter)
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, records)
}

func (h *handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	res, err := h.opts.Tracker.ReplayDeadLetter(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, res)
}

func (h *handler) backlog(w http.ResponseWriter, r *http.Request) {
	stages := r.URL.Query()["stage"]
	if len(stages) == 0 {
		stages = h.opts.Stages
	}
	out := make([]pipeline.Backlog, 0, len(stages))
	for _, stage := range stages {
		b, err := h.opts.Tracker.Backlog(r.Context(), stage)
		if err != nil {
			failure(w, r, h.log, err)
			return
		}
		out = append(out, b)
	}
	success(w, r, http.StatusOK, out)
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.opts.Dispatcher.Tick(r.Context())
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, report)
}

func (h *handler) pipelineHealth(w http.ResponseWriter, r *http.Request) {
	thresholds, err := thresholdsFrom(r, h.opts.Thresholds)
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	report, err := h.opts.Monitor.HealthCheck(r.Context(), thresholds)
	if err != nil {
		failure(w, r, h.log, err)
		return
	}
	success(w, r, http.StatusOK, report)
}

// thresholdsFrom overrides base with the duration_seconds, error_rate and
// queue_depth query parameters.
func thresholdsFrom(r *http.Request, base monitor.Thresholds) (monitor.Thresholds, error) {
	q := r.URL.Query()
	for key, dst := range map[string]*float64{
		"duration_seconds": &base.DurationSeconds,
		"error_rate":       &base.ErrorRate,
	} {
		if raw := q.Get(key); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v < 0 {
				return base, fmt.Errorf("%w: invalid %s %q", errBadRequest, key, raw)
			}
			*dst = v
		}
	}
	if raw := q.Get("queue_depth"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return base, fmt.Errorf("%w: invalid queue_depth %q", errBadRequest, raw)
		}
		base.QueueDepth = v
	}
	return base, nil
}

func (h *handler) queueOr(requested, stage string) string {
	if q := strings.TrimSpace(requested); q != "" {
		return q
	}
	return h.opts.Tracker.QueueFor(stage)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", errBadRequest, raw)
	}
	return t, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
