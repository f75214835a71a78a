package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/conveyor/pkg/store/postgres"
)

// DB is the connection surface of PostgresStore, satisfied by
// *postgres.Adapter.
type DB interface {
	postgres.Querier
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

var jobColumns = []string{
	"id", "job_type", "status", "stage", "priority", "payload", "result", "error",
	"attempt_count", "max_attempts", "retry_delay_seconds", "created_at", "updated_at",
	"first_queued_at", "last_queued_at", "last_dequeued_at", "last_completed_at",
	"last_failed_at", "last_dead_letter_at",
}

var stageColumns = []string{
	"job_id", "stage", "queue", "status", "payload", "result", "attempt_count",
	"max_attempts", "retry_delay_seconds", "priority", "visibility_timeout_seconds",
	"available_at", "visible_until", "last_queued_at", "last_dequeued_at", "next_retry_at",
	"started_at", "finished_at", "dead_lettered_at", "dead_letter_reason", "last_error",
	"created_at", "updated_at",
}

var (
	selectJobSQL   = "SELECT " + strings.Join(jobColumns, ", ") + " FROM jobs WHERE id = $1"
	selectStageSQL = "SELECT " + strings.Join(stageColumns, ", ") + " FROM job_stages WHERE job_id = $1 AND stage = $2"
	insertJobSQL   = "INSERT INTO jobs (" + strings.Join(jobColumns, ", ") + ") VALUES (" + placeholders(len(jobColumns), 1) + ")"
	insertStageSQL = "INSERT INTO job_stages (" + strings.Join(stageColumns, ", ") + ") VALUES (" + placeholders(len(stageColumns), 1) + ")"

	// The updates apply only when the row still holds the version that was
	// read. A concurrent writer makes them affect no row.
	updateJobSQL   = "UPDATE jobs SET " + assignments(jobColumns[1:], 2) + fmt.Sprintf(" WHERE id = $1 AND updated_at = $%d", len(jobColumns)+1)
	updateStageSQL = "UPDATE job_stages SET " + assignments(stageColumns[2:], 3) + fmt.Sprintf(" WHERE job_id = $1 AND stage = $2 AND status = $%d AND updated_at = $%d", len(stageColumns)+1, len(stageColumns)+2)

	listStalledSQL = "SELECT " + prefixed("s.", stageColumns) + ` FROM job_stages s JOIN jobs j ON j.id = s.job_id
WHERE s.updated_at < $1 AND j.status NOT IN ('completed', 'failed')
	AND (s.status = 'pending' OR (s.status = 'completed' AND j.stage = s.stage))
ORDER BY s.updated_at, s.job_id LIMIT $2`
)

// maxTransitionAttempts bounds the read-apply-write rounds of one
// transition under contention.
const maxTransitionAttempts = 5

var errStaleVersion = errors.New("row changed concurrently")

const (
	insertEventSQL = `INSERT INTO job_events (id, job_id, stage, kind, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	listEventsSQL    = `SELECT id, job_id, stage, kind, message, metadata, created_at FROM job_events WHERE job_id = $1 ORDER BY created_at, id`
	listAllEventsSQL = `SELECT id, job_id, stage, kind, message, metadata, created_at FROM job_events ORDER BY created_at DESC, id LIMIT 500`

	backlogSQL = `SELECT
	COUNT(*) FILTER (WHERE (status = 'queued' AND available_at <= $2) OR (status = 'processing' AND visible_until <= $2)),
	COUNT(*) FILTER (WHERE status = 'processing' AND last_dequeued_at IS NOT NULL AND finished_at IS NULL
		AND (visible_until IS NULL OR visible_until > $2)),
	COUNT(*) FILTER (WHERE status = 'processing' AND visible_until <= $2)
FROM job_stages WHERE stage = $1`

	staleCountsSQL = `SELECT stage, COUNT(*) FROM job_stages
WHERE status = 'processing' AND visible_until <= $1 GROUP BY stage ORDER BY stage`

	statusCountsSQL = `SELECT stage, status, COUNT(*) FROM job_stages GROUP BY stage, status ORDER BY stage, status`
)

func placeholders(n, start int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func prefixed(prefix string, columns []string) string {
	parts := make([]string, len(columns))
	for i, column := range columns {
		parts[i] = prefix + column
	}
	return strings.Join(parts, ", ")
}

func assignments(columns []string, start int) string {
	parts := make([]string, len(columns))
	for i, column := range columns {
		parts[i] = fmt.Sprintf("%s = $%d", column, start+i)
	}
	return strings.Join(parts, ", ")
}

// upsertStageSQL renders the INSERT ... ON CONFLICT statement for policy.
// Finished stages are filtered by the conflict WHERE clause, which makes
// the statement return no row.
func upsertStageSQL(policy UpsertPolicy) string {
	policy = policy.normalized()

	priority := "GREATEST(job_stages.priority, EXCLUDED.priority)"
	switch policy.Priority {
	case PriorityLatest:
		priority = "EXCLUDED.priority"
	case PriorityPreserve:
		priority = "job_stages.priority"
	}

	available := "EXCLUDED.available_at"
	switch policy.Availability {
	case AvailabilityEarliest:
		available = "CASE WHEN job_stages.status = 'queued' THEN LEAST(job_stages.available_at, EXCLUDED.available_at) ELSE EXCLUDED.available_at END"
	case AvailabilityPreserve:
		available = "CASE WHEN job_stages.status = 'queued' THEN job_stages.available_at ELSE EXCLUDED.available_at END"
	}

	visibility := "EXCLUDED.visibility_timeout_seconds"
	if policy.Visibility == VisibilityPreserve {
		visibility = "CASE WHEN job_stages.status = 'queued' THEN job_stages.visibility_timeout_seconds ELSE EXCLUDED.visibility_timeout_seconds END"
	}

	return `INSERT INTO job_stages (job_id, stage, queue, status, payload, attempt_count, max_attempts,
	retry_delay_seconds, priority, visibility_timeout_seconds, available_at, last_queued_at, created_at, updated_at)
VALUES ($1, $2, $3, 'queued', $4, 0, $5, $6, $7, $8, $9, $10, $10, $10)
ON CONFLICT (job_id, stage) DO UPDATE SET
	queue = EXCLUDED.queue,
	status = 'queued',
	payload = COALESCE(EXCLUDED.payload, job_stages.payload),
	max_attempts = CASE WHEN EXCLUDED.max_attempts > 0 THEN EXCLUDED.max_attempts ELSE job_stages.max_attempts END,
	retry_delay_seconds = CASE WHEN EXCLUDED.retry_delay_seconds > 0 THEN EXCLUDED.retry_delay_seconds ELSE job_stages.retry_delay_seconds END,
	priority = ` + priority + `,
	visibility_timeout_seconds = ` + visibility + `,
	available_at = ` + available + `,
	visible_until = NULL,
	finished_at = NULL,
	last_queued_at = EXCLUDED.last_queued_at,
	updated_at = EXCLUDED.updated_at
WHERE job_stages.status NOT IN ('completed', 'failed')
RETURNING ` + strings.Join(stageColumns, ", ")
}

// PostgresStore implements Store on the jobs, job_stages and job_events
// tables.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTransaction runs fn in one transaction shared by every store on the
// same adapter.
func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithTransaction(ctx, fn)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job, stage *StageState) error {
	return s.db.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, insertJobSQL, jobValues(job)...); err != nil {
			return fmt.Errorf("insert job failed: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, insertStageSQL, stageValues(stage)...); err != nil {
			return fmt.Errorf("insert stage failed: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, pipelineError(ErrNotFound, "job "+id)
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipelineError(ErrNotFound, "job "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job failed: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetStage(ctx context.Context, jobID, stage string) (*StageState, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, pipelineError(ErrNotFound, "job "+jobID)
	}
	state, err := scanStage(s.db.QueryRowContext(ctx, selectStageSQL, jobID, stage))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipelineError(ErrNotFound, "stage "+stage+" of job "+jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load stage failed: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) ListStages(ctx context.Context, jobID string) ([]*StageState, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+strings.Join(stageColumns, ", ")+" FROM job_stages WHERE job_id = $1 ORDER BY created_at, stage", jobID)
	if err != nil {
		return nil, fmt.Errorf("list stages failed: %w", err)
	}
	defer rows.Close()
	out := make([]*StageState, 0)
	for rows.Next() {
		state, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage failed: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// transition reads the job and stage rows, applies fn and writes both back
// with conditional updates keyed on the versions read. When another writer
// got there first the round is retried on fresh rows.
func (s *PostgresStore) transition(ctx context.Context, jobID, stage string, fn func(job *Job, state *StageState) error) (*Job, *StageState, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, nil, err
		}
		state, err := s.GetStage(ctx, jobID, stage)
		if err != nil {
			return nil, nil, err
		}
		jobVersion, stageVersion, stageStatus := job.UpdatedAt, state.UpdatedAt, state.Status
		if err := fn(job, state); err != nil {
			return nil, nil, err
		}
		err = s.db.WithTransaction(ctx, func(ctx context.Context) error {
			if err := s.updateStage(ctx, state, stageStatus, stageVersion); err != nil {
				return err
			}
			return s.updateJob(ctx, job, jobVersion)
		})
		if errors.Is(err, errStaleVersion) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return job, state, nil
	}
	return nil, nil, pipelineError(ErrConflict, "stage "+stage+" of job "+jobID+" kept changing concurrently")
}

func (s *PostgresStore) updateJob(ctx context.Context, job *Job, version time.Time) error {
	res, err := s.db.ExecContext(ctx, updateJobSQL, append(jobValues(job), version)...)
	if err != nil {
		return fmt.Errorf("update job failed: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) updateStage(ctx context.Context, state *StageState, status StageStatus, version time.Time) error {
	res, err := s.db.ExecContext(ctx, updateStageSQL, append(stageValues(state), string(status), version)...)
	if err != nil {
		return fmt.Errorf("update stage failed: %w", err)
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows failed: %w", err)
	}
	if n == 0 {
		return errStaleVersion
	}
	return nil
}

// UpsertStage resolves concurrent enqueues with the ON CONFLICT merge of
// upsertStageSQL; the job row follows with a conditional update.
func (s *PostgresStore) UpsertStage(ctx context.Context, in StageUpsert, policy UpsertPolicy) (*StageState, error) {
	query := upsertStageSQL(policy)
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		job, err := s.GetJob(ctx, in.JobID)
		if err != nil {
			return nil, err
		}
		if err := checkEnqueue(job, nil); err != nil {
			return nil, err
		}
		version := job.UpdatedAt
		var merged *StageState
		err = s.db.WithTransaction(ctx, func(ctx context.Context) error {
			var err error
			merged, err = scanStage(s.db.QueryRowContext(ctx, query,
				in.JobID,
				in.Stage,
				in.Queue,
				nullBytes(in.Payload),
				in.MaxAttempts,
				in.RetryDelaySeconds,
				in.Priority,
				in.VisibilityTimeoutSeconds,
				in.AvailableAt,
				in.Now,
			))
			if errors.Is(err, sql.ErrNoRows) {
				return pipelineError(ErrTerminal, "stage "+in.Stage+" of job "+in.JobID+" already finished")
			}
			if err != nil {
				return fmt.Errorf("upsert stage failed: %w", err)
			}
			applyQueued(job, merged, in.Now)
			return s.updateJob(ctx, job, version)
		})
		if errors.Is(err, errStaleVersion) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return merged, nil
	}
	return nil, pipelineError(ErrConflict, "job "+in.JobID+" kept changing concurrently")
}

func (s *PostgresStore) RevertStage(ctx context.Context, jobID, stage, lastError string, now time.Time) error {
	_, _, err := s.transition(ctx, jobID, stage, func(_ *Job, state *StageState) error {
		applyRevert(state, lastError, now)
		return nil
	})
	return err
}

func (s *PostgresStore) MarkDequeued(ctx context.Context, jobID, stage string, visibleUntil, now time.Time) (*StageState, error) {
	_, state, err := s.transition(ctx, jobID, stage, func(job *Job, state *StageState) error {
		return applyDequeue(job, state, visibleUntil, now)
	})
	return state, err
}

func (s *PostgresStore) CompleteStage(ctx context.Context, jobID, stage string, result []byte, jobTerminal bool, now time.Time) (*Job, error) {
	job, _, err := s.transition(ctx, jobID, stage, func(job *Job, state *StageState) error {
		return applyComplete(job, state, result, jobTerminal, now)
	})
	return job, err
}

func (s *PostgresStore) RecordRetry(ctx context.Context, jobID, stage string, nextRetryAt time.Time, lastError string, now time.Time) error {
	_, _, err := s.transition(ctx, jobID, stage, func(_ *Job, state *StageState) error {
		applyRetry(state, nextRetryAt, lastError, now)
		return nil
	})
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID, stage, reason, errText string, now time.Time) (*Job, error) {
	job, _, err := s.transition(ctx, jobID, stage, func(job *Job, state *StageState) error {
		return applyFailed(job, state, reason, errText, now)
	})
	return job, err
}

func (s *PostgresStore) ResetStage(ctx context.Context, jobID, stage string, now time.Time) error {
	_, _, err := s.transition(ctx, jobID, stage, func(job *Job, state *StageState) error {
		applyReset(job, state, now)
		return nil
	})
	return err
}

func (s *PostgresStore) SetVisibleUntil(ctx context.Context, jobID, stage string, visibleUntil, now time.Time) error {
	_, _, err := s.transition(ctx, jobID, stage, func(_ *Job, state *StageState) error {
		if state.Status != StageProcessing {
			return pipelineError(ErrConflict, "stage "+stage+" of job "+jobID+" is not processing")
		}
		state.VisibleUntil = timePtr(visibleUntil)
		state.UpdatedAt = now
		return nil
	})
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	var metadata []byte
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata failed: %w", err)
		}
		metadata = encoded
	}
	var jobID any
	if event.JobID != "" {
		jobID = event.JobID
	}
	if _, err := s.db.ExecContext(ctx, insertEventSQL,
		event.ID, jobID, event.Stage, string(event.Kind), event.Message, nullBytes(metadata), event.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert event failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID string) ([]*Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if jobID == "" {
		rows, err = s.db.QueryContext(ctx, listAllEventsSQL)
	} else {
		if _, parseErr := uuid.Parse(jobID); parseErr != nil {
			return nil, pipelineError(ErrNotFound, "job "+jobID)
		}
		rows, err = s.db.QueryContext(ctx, listEventsSQL, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("list events failed: %w", err)
	}
	defer rows.Close()

	out := make([]*Event, 0)
	for rows.Next() {
		var (
			event    Event
			jobRef   sql.NullString
			kind     string
			message  sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&event.ID, &jobRef, &event.Stage, &kind, &message, &metadata, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event failed: %w", err)
		}
		event.JobID = jobRef.String
		event.Kind = EventKind(kind)
		event.Message = message.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata failed: %w", err)
			}
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Backlog(ctx context.Context, stage string, now time.Time) (Backlog, error) {
	backlog := Backlog{Stage: stage}
	if err := s.db.QueryRowContext(ctx, backlogSQL, stage, now).Scan(&backlog.Ready, &backlog.Inflight, &backlog.Stale); err != nil {
		return Backlog{}, fmt.Errorf("count backlog failed: %w", err)
	}
	return backlog, nil
}

func (s *PostgresStore) StaleCounts(ctx context.Context, now time.Time) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, staleCountsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("count stale stages failed: %w", err)
	}
	defer rows.Close()
	out := make([]StatusCount, 0)
	for rows.Next() {
		count := StatusCount{Status: StageProcessing}
		if err := rows.Scan(&count.Stage, &count.Count); err != nil {
			return nil, fmt.Errorf("scan stale count failed: %w", err)
		}
		out = append(out, count)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]*StageState, error) {
	if limit <= 0 {
		limit = DefaultReconcileLimit
	}
	rows, err := s.db.QueryContext(ctx, listStalledSQL, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled stages failed: %w", err)
	}
	defer rows.Close()
	out := make([]*StageState, 0)
	for rows.Next() {
		state, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage failed: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StageStatusCounts(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, statusCountsSQL)
	if err != nil {
		return nil, fmt.Errorf("count stage statuses failed: %w", err)
	}
	defer rows.Close()
	out := make([]StatusCount, 0)
	for rows.Next() {
		var (
			count  StatusCount
			status string
		)
		if err := rows.Scan(&count.Stage, &status, &count.Count); err != nil {
			return nil, fmt.Errorf("scan stage status count failed: %w", err)
		}
		count.Status = StageStatus(status)
		out = append(out, count)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                                  Job
		status                                               string
		payload, result                                      []byte
		firstQueued, lastQueued, lastDequeued, lastCompleted sql.NullTime
		lastFailed, lastDeadLetter                           sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.JobType, &status, &job.Stage, &job.Priority, &payload, &result, &job.Error,
		&job.AttemptCount, &job.MaxAttempts, &job.RetryDelaySeconds, &job.CreatedAt, &job.UpdatedAt,
		&firstQueued, &lastQueued, &lastDequeued, &lastCompleted, &lastFailed, &lastDeadLetter,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.Payload = payload
	job.Result = result
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.FirstQueuedAt = fromNullTime(firstQueued)
	job.LastQueuedAt = fromNullTime(lastQueued)
	job.LastDequeuedAt = fromNullTime(lastDequeued)
	job.LastCompletedAt = fromNullTime(lastCompleted)
	job.LastFailedAt = fromNullTime(lastFailed)
	job.LastDeadLetterAt = fromNullTime(lastDeadLetter)
	return &job, nil
}

func scanStage(row rowScanner) (*StageState, error) {
	var (
		state                                               StageState
		status                                              string
		payload, result                                     []byte
		visibleUntil, lastQueued, lastDequeued, nextRetryAt sql.NullTime
		startedAt, finishedAt, deadLetteredAt               sql.NullTime
	)
	if err := row.Scan(
		&state.JobID, &state.Stage, &state.Queue, &status, &payload, &result, &state.AttemptCount,
		&state.MaxAttempts, &state.RetryDelaySeconds, &state.Priority, &state.VisibilityTimeoutSeconds,
		&state.AvailableAt, &visibleUntil, &lastQueued, &lastDequeued, &nextRetryAt,
		&startedAt, &finishedAt, &deadLetteredAt, &state.DeadLetterReason, &state.LastError,
		&state.CreatedAt, &state.UpdatedAt,
	); err != nil {
		return nil, err
	}
	state.Status = StageStatus(status)
	state.Payload = payload
	state.Result = result
	state.AvailableAt = state.AvailableAt.UTC()
	state.CreatedAt = state.CreatedAt.UTC()
	state.UpdatedAt = state.UpdatedAt.UTC()
	state.VisibleUntil = fromNullTime(visibleUntil)
	state.LastQueuedAt = fromNullTime(lastQueued)
	state.LastDequeuedAt = fromNullTime(lastDequeued)
	state.NextRetryAt = fromNullTime(nextRetryAt)
	state.StartedAt = fromNullTime(startedAt)
	state.FinishedAt = fromNullTime(finishedAt)
	state.DeadLetteredAt = fromNullTime(deadLetteredAt)
	return &state, nil
}

func jobValues(job *Job) []any {
	return []any{
		job.ID, job.JobType, string(job.Status), job.Stage, job.Priority, nullBytes(job.Payload), nullBytes(job.Result), job.Error,
		job.AttemptCount, job.MaxAttempts, job.RetryDelaySeconds, job.CreatedAt, job.UpdatedAt,
		toNullTime(job.FirstQueuedAt), toNullTime(job.LastQueuedAt), toNullTime(job.LastDequeuedAt),
		toNullTime(job.LastCompletedAt), toNullTime(job.LastFailedAt), toNullTime(job.LastDeadLetterAt),
	}
}

func stageValues(state *StageState) []any {
	return []any{
		state.JobID, state.Stage, state.Queue, string(state.Status), nullBytes(state.Payload), nullBytes(state.Result),
		state.AttemptCount, state.MaxAttempts, state.RetryDelaySeconds, state.Priority, state.VisibilityTimeoutSeconds,
		state.AvailableAt, toNullTime(state.VisibleUntil), toNullTime(state.LastQueuedAt), toNullTime(state.LastDequeuedAt),
		toNullTime(state.NextRetryAt), toNullTime(state.StartedAt), toNullTime(state.FinishedAt),
		toNullTime(state.DeadLetteredAt), state.DeadLetterReason, state.LastError, state.CreatedAt, state.UpdatedAt,
	}
}

func nullBytes(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
