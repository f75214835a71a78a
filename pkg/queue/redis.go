package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

const (
	redisBackend                 = "redis"
	defaultRedisPrefix           = "conveyor"
	defaultRedisOperationTimeout = 5 * time.Second
)

var (
	redisEnqueueScript = redis.NewScript(`
local id = tostring(redis.call("INCR", KEYS[3]))
redis.call("HSET", KEYS[2], id, ARGV[1])
redis.call("ZADD", KEYS[1], tonumber(ARGV[2]), id)
redis.call("SADD", KEYS[4], ARGV[3])
return id
`)

	// Pops visible members by re-scoring them to the end of their
	// visibility window. Orphaned members without a body are dropped.
	redisDequeueScript = redis.NewScript(`
local pending = KEYS[1]
local messages = KEYS[2]
local reads = KEYS[3]
local nowMs = tonumber(ARGV[1])
local visibilityMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local ids = redis.call("ZRANGEBYSCORE", pending, "-inf", nowMs, "LIMIT", 0, limit)
local out = {}
for _, id in ipairs(ids) do
  local body = redis.call("HGET", messages, id)
  if body then
    local count = redis.call("HINCRBY", reads, id, 1)
    redis.call("ZADD", pending, nowMs + visibilityMs, id)
    table.insert(out, id)
    table.insert(out, body)
    table.insert(out, count)
  else
    redis.call("ZREM", pending, id)
  end
end
return out
`)

	redisExtendScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score then
  return -1
end
if tonumber(score) <= tonumber(ARGV[2]) then
  return 0
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)
)

// RedisConfig configures the Redis queue backend.
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisQueue implements Queue with one pending ZSET scored by the
// visible-at time in milliseconds and one HASH of message bodies per queue.
// Delay and invisibility share the ZSET, so expired deliveries reappear
// without a sweeper.
type RedisQueue struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisConfig
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisConfig, log logger.Logger) (*RedisQueue, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, queueError(ErrValidation, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg, log), nil
}

// NewRedisQueueWithClient wraps an existing client. The queue owns the
// client and closes it on Close.
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisConfig, log logger.Logger) *RedisQueue {
	cfg.normalize()
	return &RedisQueue{
		client: client,
		log:    log,
		config: cfg,
		now:    time.Now,
	}
}

type redisEnvelope struct {
	Message Message `json:"message"`
}

func (q *RedisQueue) Create(ctx context.Context, queue string) error {
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	err = q.client.SAdd(opCtx, q.queuesKey(), name).Err()
	recordOperation(redisBackend, name, "create", err)
	return err
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) (id string, err error) {
	defer func() { recordOperation(redisBackend, queue, "enqueue", err) }()
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
	encoded, err := json.Marshal(redisEnvelope{Message: msg})
	if err != nil {
		return "", fmt.Errorf("marshal queue message failed: %w", err)
	}

	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	result, err := redisEnqueueScript.Run(
		opCtx,
		q.client,
		[]string{q.pendingKey(name), q.messagesKey(name), q.seqKey(name), q.queuesKey()},
		string(encoded),
		visibleAt.UnixMilli(),
		name,
	).Text()
	if err != nil {
		return "", fmt.Errorf("redis enqueue failed: %w", err)
	}
	return result, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	deliveries, err := q.DequeueBatch(ctx, queue, visibility, 1)
	if err != nil || len(deliveries) == 0 {
		return nil, err
	}
	return deliveries[0], nil
}

func (q *RedisQueue) DequeueBatch(ctx context.Context, queue string, visibility time.Duration, size int) (out []*Delivery, err error) {
	defer func() {
		recordOperation(redisBackend, queue, "dequeue", err)
		recordDeliveries(redisBackend, queue, out)
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
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	raw, err := redisDequeueScript.Run(
		opCtx,
		q.client,
		[]string{q.pendingKey(name), q.messagesKey(name), q.readsKey(name)},
		now.UnixMilli(),
		visibility.Milliseconds(),
		size,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis dequeue failed: %w", err)
	}
	return q.decodeDeliveries(ctx, name, raw, now.Add(visibility))
}

func (q *RedisQueue) decodeDeliveries(ctx context.Context, queue string, raw []any, visibleUntil time.Time) ([]*Delivery, error) {
	out := make([]*Delivery, 0, len(raw)/3)
	var malformed []string
	for i := 0; i+2 < len(raw); i += 3 {
		id, _ := raw[i].(string)
		body, _ := raw[i+1].(string)
		count, _ := raw[i+2].(int64)

		var envelope redisEnvelope
		if err := json.Unmarshal([]byte(body), &envelope); err != nil {
			q.log.Warn("discarding malformed queue message", "queue", queue, "msg_id", id, "error", err)
			malformed = append(malformed, id)
			continue
		}
		out = append(out, &Delivery{
			ID:           id,
			Queue:        queue,
			Message:      envelope.Message,
			ReadCount:    int(count),
			VisibleUntil: visibleUntil,
		})
	}
	if len(malformed) > 0 {
		if err := q.ArchiveBatch(ctx, queue, malformed); err != nil {
			q.log.Warn("failed to archive malformed queue messages", "queue", queue, "error", err)
		}
	}
	return out, nil
}

func (q *RedisQueue) ExtendVisibility(ctx context.Context, queue, msgID string, timeout time.Duration) (deadline time.Time, err error) {
	defer func() { recordOperation(redisBackend, queue, "extend", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return time.Time{}, err
	}
	if err := q.ensureOpen(); err != nil {
		return time.Time{}, err
	}
	now := q.now().UTC()
	deadline = now.Add(normalizeVisibility(timeout))

	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	result, err := redisExtendScript.Run(
		opCtx,
		q.client,
		[]string{q.pendingKey(name)},
		msgID,
		now.UnixMilli(),
		deadline.UnixMilli(),
	).Int()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis extend visibility failed: %w", err)
	}
	switch result {
	case -1:
		return time.Time{}, queueError(ErrNotFound, "message "+msgID+" is not in queue "+name)
	case 0:
		return time.Time{}, queueError(ErrNotFound, "message "+msgID+" is not in flight")
	}
	return deadline, nil
}

func (q *RedisQueue) Archive(ctx context.Context, queue, msgID string) error {
	return q.ArchiveBatch(ctx, queue, []string{msgID})
}

func (q *RedisQueue) ArchiveBatch(ctx context.Context, queue string, msgIDs []string) (err error) {
	defer func() { recordOperation(redisBackend, queue, "archive", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	if len(msgIDs) == 0 {
		return nil
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	members := make([]any, 0, len(msgIDs))
	for _, id := range msgIDs {
		members = append(members, id)
	}

	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	var removed *redis.IntCmd
	_, err = q.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(opCtx, q.pendingKey(name), members...)
		pipe.HDel(opCtx, q.messagesKey(name), msgIDs...)
		pipe.HDel(opCtx, q.readsKey(name), msgIDs...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis archive failed: %w", err)
	}
	recordArchived(redisBackend, name, int(removed.Val()))
	return nil
}

// HealthCheck verifies Redis connectivity.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	return q.client.Ping(opCtx).Err()
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.client.Close()
}

func (q *RedisQueue) ensureOpen() error {
	if q == nil || q.client == nil {
		return queueError(ErrClosed, "redis queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *RedisQueue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}

func (q *RedisQueue) pendingKey(queue string) string {
	return q.prefix() + ":queue:" + queue + ":pending"
}

func (q *RedisQueue) messagesKey(queue string) string {
	return q.prefix() + ":queue:" + queue + ":messages"
}

func (q *RedisQueue) readsKey(queue string) string {
	return q.prefix() + ":queue:" + queue + ":reads"
}

func (q *RedisQueue) seqKey(queue string) string {
	return q.prefix() + ":queue:" + queue + ":seq"
}

func (q *RedisQueue) queuesKey() string {
	return q.prefix() + ":queues"
}

func (q *RedisQueue) prefix() string {
	return strings.TrimRight(strings.TrimSpace(q.config.Prefix), ":")
}
