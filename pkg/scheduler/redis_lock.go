package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "conveyor:scheduler:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLockConfig configures RedisLockProvider.
type RedisLockConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

func (c *RedisLockConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLockProvider holds locks with SET NX PX; renew and release are
// token-checked scripts.
type RedisLockProvider struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisLockConfig
}

// NewRedisLockProvider connects to cfg.URL and pings it.
func NewRedisLockProvider(cfg RedisLockConfig, log logger.Logger) (*RedisLockProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)
	provider, err := NewRedisLockProviderWithClient(client, cfg, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), provider.config.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(schedulerError(ErrRetryable, "ping redis failed"), err)
	}
	return provider, nil
}

// NewRedisLockProviderWithClient wraps an existing client.
func NewRedisLockProviderWithClient(client redis.UniversalClient, cfg RedisLockConfig, log logger.Logger) (*RedisLockProvider, error) {
	if client == nil {
		return nil, schedulerError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &RedisLockProvider{client: client, log: log, config: cfg}, nil
}

// Acquire attempts to take key for ttl.
func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := randomToken()
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	acquired, err := p.client.SetNX(opCtx, p.fullKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &LockLease{Key: key, Token: token, ExpireAt: time.Now().UTC().Add(ttl)}, true, nil
}

// Renew extends the lock when the token still matches.
func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "renew lock failed"), err)
	}
	if result == 0 {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

// Release deletes the lock when the token still matches.
func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "release lock failed"), err)
	}
	if result == 0 {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

func (p *RedisLockProvider) Close() error {
	return p.client.Close()
}

func (p *RedisLockProvider) fullKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}

func validateLease(lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return schedulerError(ErrInvalidArgument, "lease key and token are required")
	}
	return nil
}
