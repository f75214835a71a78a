package queue

import (
	"context"
	"errors"
	"strings"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// Backend names accepted by New.
const (
	BackendMemory   = memoryBackend
	BackendRedis    = redisBackend
	BackendPostgres = postgresBackend
	BackendSQS      = sqsBackend
)

// Config selects and configures a queue backend.
type Config struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
	SQS     SQSConfig   `mapstructure:"sqs"`
}

// New builds the configured backend. pg is required for the postgres
// backend and ignored otherwise.
func New(ctx context.Context, cfg Config, pg PostgresDB, log logger.Logger) (Queue, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		log.Warn("using in-memory queue, messages are lost on restart")
		return NewMemoryQueue(), nil
	case BackendRedis:
		return NewRedisQueue(cfg.Redis, log)
	case BackendPostgres:
		if pg == nil {
			return nil, queueError(ErrValidation, "postgres queue backend requires a database connection")
		}
		return NewPostgresQueue(pg)
	case BackendSQS:
		return NewSQSQueue(ctx, cfg.SQS, log)
	default:
		return nil, queueError(ErrValidation, "unsupported queue backend "+cfg.Backend)
	}
}
