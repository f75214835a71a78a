package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/nimburion/conveyor/pkg/store/postgres"
)

const postgresBackend = "postgres"

const (
	pgCreateQueueSQL = `INSERT INTO queues (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`

	pgEnqueueSQL = `INSERT INTO queue_messages (queue, priority, read_count, enqueued_at, visible_at, message)
VALUES ($1, $2, 0, $3, $4, $5)
RETURNING msg_id`

	pgDequeueSQL = `UPDATE queue_messages
SET read_count = read_count + 1, visible_at = $3
WHERE msg_id IN (
	SELECT msg_id FROM queue_messages
	WHERE queue = $1 AND visible_at <= $2
	ORDER BY visible_at ASC, priority DESC, msg_id ASC
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING msg_id, read_count, visible_at, message`

	pgExtendSQL = `UPDATE queue_messages SET visible_at = $4
WHERE queue = $1 AND msg_id = $2 AND visible_at > $3
RETURNING visible_at`

	pgArchiveSQL = `WITH moved AS (
	DELETE FROM queue_messages WHERE queue = $1 AND msg_id = ANY($2)
	RETURNING msg_id, queue, priority, read_count, enqueued_at, visible_at, message
)
INSERT INTO queue_archive (msg_id, queue, priority, read_count, enqueued_at, visible_at, message, archived_at)
SELECT msg_id, queue, priority, read_count, enqueued_at, visible_at, message, $3 FROM moved`
)

// PostgresDB is the connection surface the Postgres queue needs; it is
// satisfied by *postgres.Adapter.
type PostgresDB interface {
	postgres.Querier
	HealthCheck(ctx context.Context) error
}

// PostgresQueue implements Queue on the queue_messages table. Concurrent
// consumers never receive the same row thanks to FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	db  PostgresDB
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewPostgresQueue creates a queue on an existing connection. The
// connection is shared and not closed by Close.
func NewPostgresQueue(db PostgresDB) (*PostgresQueue, error) {
	if db == nil {
		return nil, errors.New("postgres connection is required")
	}
	return &PostgresQueue{db: db, now: time.Now}, nil
}

func (q *PostgresQueue) Create(ctx context.Context, queue string) (err error) {
	defer func() { recordOperation(postgresBackend, queue, "create", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, pgCreateQueueSQL, name, q.now().UTC()); err != nil {
		return fmt.Errorf("create queue %s failed: %w", name, err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) (id string, err error) {
	defer func() { recordOperation(postgresBackend, queue, "enqueue", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return "", err
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if err := q.ensureOpen(); err != nil {
		return "", err
	}

	now := q.now().UTC()
	visibleAt := now.Add(normalizeDelay(delay))
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	msg.AvailableAt = visibleAt
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal queue message failed: %w", err)
	}

	var msgID int64
	if err := q.db.QueryRowContext(ctx, pgEnqueueSQL, name, msg.Priority, msg.EnqueuedAt, visibleAt, encoded).Scan(&msgID); err != nil {
		return "", fmt.Errorf("insert queue message failed: %w", err)
	}
	return strconv.FormatInt(msgID, 10), nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	deliveries, err := q.DequeueBatch(ctx, queue, visibility, 1)
	if err != nil || len(deliveries) == 0 {
		return nil, err
	}
	return deliveries[0], nil
}

func (q *PostgresQueue) DequeueBatch(ctx context.Context, queue string, visibility time.Duration, size int) (out []*Delivery, err error) {
	defer func() {
		recordOperation(postgresBackend, queue, "dequeue", err)
		recordDeliveries(postgresBackend, queue, out)
	}()
	name, err := validateQueueName(queue)
	if err != nil {
		return nil, err
	}
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	visibility = normalizeVisibility(visibility)
	size = normalizeBatchSize(size)
	now := q.now().UTC()

	rows, err := q.db.QueryContext(ctx, pgDequeueSQL, name, now, now.Add(visibility), size)
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s failed: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID     int64
			readCount int
			visibleAt time.Time
			body      []byte
		)
		if err := rows.Scan(&msgID, &readCount, &visibleAt, &body); err != nil {
			return nil, fmt.Errorf("scan queue message failed: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("decode queue message %d failed: %w", msgID, err)
		}
		out = append(out, &Delivery{
			ID:           strconv.FormatInt(msgID, 10),
			Queue:        name,
			Message:      msg,
			ReadCount:    readCount,
			VisibleUntil: visibleAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue messages failed: %w", err)
	}
	return out, nil
}

func (q *PostgresQueue) ExtendVisibility(ctx context.Context, queue, msgID string, timeout time.Duration) (deadline time.Time, err error) {
	defer func() { recordOperation(postgresBackend, queue, "extend", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return time.Time{}, err
	}
	id, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return time.Time{}, queueError(ErrValidation, "invalid message id "+msgID)
	}
	if err := q.ensureOpen(); err != nil {
		return time.Time{}, err
	}
	now := q.now().UTC()
	err = q.db.QueryRowContext(ctx, pgExtendSQL, name, id, now, now.Add(normalizeVisibility(timeout))).Scan(&deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, queueError(ErrNotFound, "message "+msgID+" is not in flight")
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("extend visibility failed: %w", err)
	}
	return deadline.UTC(), nil
}

func (q *PostgresQueue) Archive(ctx context.Context, queue, msgID string) error {
	return q.ArchiveBatch(ctx, queue, []string{msgID})
}

func (q *PostgresQueue) ArchiveBatch(ctx context.Context, queue string, msgIDs []string) (err error) {
	defer func() { recordOperation(postgresBackend, queue, "archive", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(msgIDs))
	for _, raw := range msgIDs {
		// Ids this backend never issued cannot be held, so they are ignored.
		if id, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	result, err := q.db.ExecContext(ctx, pgArchiveSQL, name, pq.Array(ids), q.now().UTC())
	if err != nil {
		return fmt.Errorf("archive queue messages failed: %w", err)
	}
	if affected, affErr := result.RowsAffected(); affErr == nil {
		recordArchived(postgresBackend, name, int(affected))
	}
	return nil
}

func (q *PostgresQueue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	return q.db.HealthCheck(ctx)
}

func (q *PostgresQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *PostgresQueue) ensureOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}
