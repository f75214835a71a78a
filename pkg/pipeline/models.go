package pipeline

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no automatic transition may leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StageStatus is the lifecycle state of one stage of a job.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageQueued     StageStatus = "queued"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Terminal reports whether the stage finished.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Job is the top-level record of a submitted unit of work. Stage and Status
// mirror the most recently enqueued or dequeued stage.
type Job struct {
	ID                string          `json:"id"`
	JobType           string          `json:"job_type"`
	Status            JobStatus       `json:"status"`
	Stage             string          `json:"stage"`
	Priority          int             `json:"priority"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	FirstQueuedAt     *time.Time      `json:"first_queued_at,omitempty"`
	LastQueuedAt      *time.Time      `json:"last_queued_at,omitempty"`
	LastDequeuedAt    *time.Time      `json:"last_dequeued_at,omitempty"`
	LastCompletedAt   *time.Time      `json:"last_completed_at,omitempty"`
	LastFailedAt      *time.Time      `json:"last_failed_at,omitempty"`
	LastDeadLetterAt  *time.Time      `json:"last_dead_letter_at,omitempty"`
}

// StageState tracks one (job_id, stage) pair.
type StageState struct {
	JobID                    string          `json:"job_id"`
	Stage                    string          `json:"stage"`
	Queue                    string          `json:"queue"`
	Status                   StageStatus     `json:"status"`
	Payload                  json.RawMessage `json:"payload,omitempty"`
	Result                   json.RawMessage `json:"result,omitempty"`
	AttemptCount             int             `json:"attempt_count"`
	MaxAttempts              int             `json:"max_attempts"`
	RetryDelaySeconds        int             `json:"retry_delay_seconds"`
	Priority                 int             `json:"priority"`
	VisibilityTimeoutSeconds int             `json:"visibility_timeout_seconds"`
	AvailableAt              time.Time       `json:"available_at"`
	VisibleUntil             *time.Time      `json:"visible_until,omitempty"`
	LastQueuedAt             *time.Time      `json:"last_queued_at,omitempty"`
	LastDequeuedAt           *time.Time      `json:"last_dequeued_at,omitempty"`
	NextRetryAt              *time.Time      `json:"next_retry_at,omitempty"`
	StartedAt                *time.Time      `json:"started_at,omitempty"`
	FinishedAt               *time.Time      `json:"finished_at,omitempty"`
	DeadLetteredAt           *time.Time      `json:"dead_lettered_at,omitempty"`
	DeadLetterReason         string          `json:"dead_letter_reason,omitempty"`
	LastError                string          `json:"last_error,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// Exhausted reports whether the stage used all of its attempts.
func (s *StageState) Exhausted() bool {
	return s.MaxAttempts > 0 && s.AttemptCount >= s.MaxAttempts
}

// EventKind names an audit event.
type EventKind string

const (
	EventCreated            EventKind = "created"
	EventQueued             EventKind = "queued"
	EventDequeued           EventKind = "dequeued"
	EventCompleted          EventKind = "completed"
	EventRetryScheduled     EventKind = "retry_scheduled"
	EventDeadLettered       EventKind = "dead_lettered"
	EventDispatched         EventKind = "dispatched"
	EventReplayed           EventKind = "replayed"
	EventVisibilityExtended EventKind = "visibility_extended"
	EventEnqueueFailed      EventKind = "enqueue_failed"
	EventReconciled         EventKind = "reconciled"
)

// Event is one append-only audit entry. JobID is empty for stage-level
// events such as dispatches.
type Event struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id,omitempty"`
	Stage     string         `json:"stage"`
	Kind      EventKind      `json:"kind"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Backlog is the per-stage input of a dispatcher tick.
type Backlog struct {
	Stage    string `json:"stage"`
	Ready    int    `json:"ready_count"`
	Inflight int    `json:"inflight_count"`
	// Stale counts processing rows whose visibility expired without a
	// completion. They are included in Ready since the queue redelivers
	// them.
	Stale int `json:"stale_count"`
}

// StatusCount is the number of stage rows in one (stage, status) group.
type StatusCount struct {
	Stage  string      `json:"stage"`
	Status StageStatus `json:"status"`
	Count  int         `json:"count"`
}

// Pipelines maps a job type to its ordered stage names. A job type without
// an entry runs as a single-stage pipeline.
type Pipelines map[string][]string

// Next returns the stage following stage for jobType.
func (p Pipelines) Next(jobType, stage string) (string, bool) {
	stages := p[jobType]
	for i, name := range stages {
		if name == stage && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return "", false
}

// IsTerminal reports whether completing stage completes the job.
func (p Pipelines) IsTerminal(jobType, stage string) bool {
	stages, ok := p[jobType]
	if !ok || len(stages) == 0 {
		return true
	}
	if stages[len(stages)-1] == stage {
		return true
	}
	for _, name := range stages {
		if name == stage {
			return false
		}
	}
	// Stages outside the definition are ad hoc and end the job.
	return true
}

// Validate rejects empty or duplicate stage names.
func (p Pipelines) Validate() error {
	for jobType, stages := range p {
		seen := make(map[string]struct{}, len(stages))
		for _, stage := range stages {
			stage = strings.TrimSpace(stage)
			if stage == "" {
				return pipelineError(ErrValidation, "pipeline "+jobType+" has an empty stage name")
			}
			if _, dup := seen[stage]; dup {
				return pipelineError(ErrValidation, "pipeline "+jobType+" repeats stage "+stage)
			}
			seen[stage] = struct{}{}
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	copied := *j
	copied.Payload = append(json.RawMessage(nil), j.Payload...)
	copied.Result = append(json.RawMessage(nil), j.Result...)
	return &copied
}

func cloneStage(s *StageState) *StageState {
	if s == nil {
		return nil
	}
	copied := *s
	copied.Payload = append(json.RawMessage(nil), s.Payload...)
	copied.Result = append(json.RawMessage(nil), s.Result...)
	return &copied
}
