package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/conveyor/pkg/store/postgres"
)

const (
	defaultPostgresLockTable   = "scheduler_locks"
	defaultPostgresLockTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresLockConfig configures PostgresLockProvider.
type PostgresLockConfig struct {
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

func (c *PostgresLockConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresLockTimeout
	}
}

// PostgresLockProvider stores lock rows in a table created by the
// migrations. An expired row is taken over by the next Acquire.
type PostgresLockProvider struct {
	db     postgres.Querier
	config PostgresLockConfig
}

// NewPostgresLockProvider creates a provider issuing statements on db.
func NewPostgresLockProvider(db postgres.Querier, cfg PostgresLockConfig) (*PostgresLockProvider, error) {
	if db == nil {
		return nil, schedulerError(ErrInvalidArgument, "db is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid scheduler lock table name %q", cfg.Table))
	}
	return &PostgresLockProvider{db: db, config: cfg}, nil
}

// Acquire inserts the lock row or takes over an expired one.
func (p *PostgresLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := randomToken()
	expiresAt := time.Now().UTC().Add(ttl)
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %[1]s (lock_key, token, expires_at, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (lock_key) DO UPDATE
	SET token = EXCLUDED.token,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %[1]s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS (SELECT 1 FROM upsert)`, p.config.Table)

	var acquired bool
	if err := p.db.QueryRowContext(opCtx, query, key, token, expiresAt).Scan(&acquired); err != nil {
		return nil, false, fmt.Errorf("%w: acquire lock %s: %w", ErrRetryable, key, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &LockLease{Key: key, Token: token, ExpireAt: expiresAt}, true, nil
}

// Renew extends an unexpired lock whose token matches.
func (p *PostgresLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`UPDATE %s SET expires_at = $3, updated_at = NOW() WHERE lock_key = $1 AND token = $2 AND expires_at > NOW()`, p.config.Table)
	if err := p.execOne(ctx, query, "lock renew rejected", lease.Key, lease.Token, expiresAt); err != nil {
		return err
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release deletes the lock row whose token matches.
func (p *PostgresLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key = $1 AND token = $2`, p.config.Table)
	return p.execOne(ctx, query, "lock release rejected", lease.Key, lease.Token)
}

func (p *PostgresLockProvider) execOne(ctx context.Context, query, rejected string, args ...any) error {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := p.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if affected == 0 {
		return schedulerError(ErrConflict, rejected)
	}
	return nil
}

// HealthCheck runs a trivial query.
func (p *PostgresLockProvider) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	var one int
	if err := p.db.QueryRowContext(opCtx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: scheduler lock healthcheck: %w", ErrRetryable, err)
	}
	return nil
}

// Close is a no-op; the database handle belongs to the caller.
func (p *PostgresLockProvider) Close() error { return nil }
