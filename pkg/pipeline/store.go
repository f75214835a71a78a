package pipeline

import (
	"context"
	"time"
)

// Store persists jobs, stage states and audit events. Every method is one
// atomic transition; implementations rely on their own transaction
// semantics rather than on callers holding locks.
type Store interface {
	// CreateJob inserts the job and its initial stage together.
	CreateJob(ctx context.Context, job *Job, stage *StageState) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetStage(ctx context.Context, jobID, stage string) (*StageState, error)
	ListStages(ctx context.Context, jobID string) ([]*StageState, error)

	// UpsertStage moves the stage to queued, merging with an existing row
	// under policy, and mirrors it on the job. It fails with ErrTerminal
	// when the job or the stage already finished.
	UpsertStage(ctx context.Context, in StageUpsert, policy UpsertPolicy) (*StageState, error)
	// RevertStage returns a queued stage to pending after a failed send.
	RevertStage(ctx context.Context, jobID, stage, lastError string, now time.Time) error
	// MarkDequeued moves the stage and job to processing and increments the
	// stage attempt count. It fails with ErrTerminal for finished work.
	MarkDequeued(ctx context.Context, jobID, stage string, visibleUntil, now time.Time) (*StageState, error)
	// CompleteStage marks the stage completed and, when jobTerminal, the job
	// too. A failed stage is left untouched and ErrTerminal is returned.
	CompleteStage(ctx context.Context, jobID, stage string, result []byte, jobTerminal bool, now time.Time) (*Job, error)
	// RecordRetry stores the next retry time and the error that caused it.
	RecordRetry(ctx context.Context, jobID, stage string, nextRetryAt time.Time, lastError string, now time.Time) error
	// MarkFailed dead-letters the stage and fails the job.
	MarkFailed(ctx context.Context, jobID, stage, reason, errText string, now time.Time) (*Job, error)
	// ResetStage prepares a failed stage for administrative replay.
	ResetStage(ctx context.Context, jobID, stage string, now time.Time) error
	SetVisibleUntil(ctx context.Context, jobID, stage string, visibleUntil, now time.Time) error

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, jobID string) ([]*Event, error)

	// Backlog counts ready rows of stage (queued and available, or
	// processing past their visibility deadline) and in-flight rows
	// (processing within the deadline).
	Backlog(ctx context.Context, stage string, now time.Time) (Backlog, error)
	StageStatusCounts(ctx context.Context) ([]StatusCount, error)
	// StaleCounts counts, per stage, processing rows whose visibility
	// deadline passed before now.
	StaleCounts(ctx context.Context, now time.Time) ([]StatusCount, error)

	// ListStalled returns up to limit stages of running jobs, last updated
	// before cutoff, that no queue message stands for: pending stages whose
	// send failed, and completed stages whose successor was never queued.
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]*StageState, error)
}

// Transactor is implemented by stores able to group several calls, and
// calls to stores sharing their connection, into one transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
