package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/conveyor/pkg/store/postgres"
)

const (
	pgInsertSQL = `INSERT INTO dead_letters
(id, queue_name, msg_id, job_id, stage, payload, failure_reason, error_details, attempt_count, routed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	pgSelectColumns = `SELECT id, queue_name, msg_id, job_id, stage, payload, failure_reason, error_details, attempt_count, routed_at FROM dead_letters`
)

// PostgresStore persists records in the dead_letters table.
type PostgresStore struct {
	db  postgres.Querier
	now func() time.Time
}

// NewPostgresStore creates a store on db, usually a *postgres.Adapter so
// appends join the caller's transaction.
func NewPostgresStore(db postgres.Querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Append(ctx context.Context, record *Record) error {
	if record == nil {
		return deadLetterError(ErrValidation, "record is required")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.RoutedAt.IsZero() {
		record.RoutedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, pgInsertSQL,
		record.ID,
		record.QueueName,
		record.MsgID,
		record.JobID,
		record.Stage,
		nullJSON(record.Payload),
		string(record.FailureReason),
		nullJSON(record.ErrorDetails),
		record.AttemptCount,
		record.RoutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter failed: %w", err)
	}
	recordAppended(record)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, deadLetterError(ErrNotFound, id)
	}
	row := s.db.QueryRowContext(ctx, pgSelectColumns+` WHERE id = $1`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deadLetterError(ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter failed: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, clause+" $"+strconv.Itoa(len(args)))
	}
	if filter.QueueName != "" {
		add("queue_name =", filter.QueueName)
	}
	if filter.Stage != "" {
		add("stage =", filter.Stage)
	}
	if filter.JobID != "" {
		add("job_id =", filter.JobID)
	}
	if !filter.Since.IsZero() {
		add("routed_at >=", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("routed_at <", filter.Until)
	}

	query := pgSelectColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, filter.limit())
	query += " ORDER BY routed_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters failed: %w", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter failed: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record       Record
		reason       string
		payload      []byte
		errorDetails []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.QueueName,
		&record.MsgID,
		&record.JobID,
		&record.Stage,
		&payload,
		&reason,
		&errorDetails,
		&record.AttemptCount,
		&record.RoutedAt,
	); err != nil {
		return nil, err
	}
	record.FailureReason = Reason(reason)
	record.Payload = payload
	record.ErrorDetails = errorDetails
	record.RoutedAt = record.RoutedAt.UTC()
	return &record, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
