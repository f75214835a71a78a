// Package postgres holds the shared PostgreSQL connection used by the
// pipeline, dead-letter, monitor and dispatcher stores and the Postgres
// queue backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

const (
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultQueryTimeout    = 5 * time.Second
	defaultPingTimeout     = 5 * time.Second
)

// Config holds PostgreSQL connection configuration
type Config struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

func (c *Config) normalize() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
}

// Querier is the subset of *sql.DB / *sql.Tx the stores issue statements on.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Adapter wraps a pooled *sql.DB and carries transactions through context.
type Adapter struct {
	db     *sql.DB
	logger logger.Logger
	config Config
}

// Open connects to PostgreSQL and verifies the connection.
func Open(cfg Config, log logger.Logger) (*Adapter, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}
	cfg.normalize()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("postgres connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)
	return &Adapter{db: db, logger: log, config: cfg}, nil
}

// NewWithDB wraps an existing handle, for example a sqlmock connection.
func NewWithDB(db *sql.DB, cfg Config, log logger.Logger) (*Adapter, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Adapter{db: db, logger: log, config: cfg}, nil
}

// DB returns the underlying handle.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// HealthCheck pings the database.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the pool.
func (a *Adapter) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	a.logger.Info("postgres connection closed")
	return nil
}

type contextKey string

const txContextKey contextKey = "tx"

// GetTx extracts the transaction started by WithTransaction, if any.
func GetTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey).(*sql.Tx)
	return tx, ok
}

// WithTransaction runs fn in a transaction carried by the context passed to
// fn. Nested calls reuse the outer transaction. The transaction is rolled
// back when fn returns an error or panics.
func (a *Adapter) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, nested := GetTx(ctx); nested {
		return fn(ctx)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				a.logger.Error("failed to rollback transaction after panic", "panic", p, "rollback_error", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txContextKey, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (a *Adapter) querier(ctx context.Context) Querier {
	if tx, ok := GetTx(ctx); ok {
		return tx
	}
	return a.db
}

// ExecContext executes on the context transaction or the pool.
func (a *Adapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()
	return a.querier(ctx).ExecContext(queryCtx, query, args...)
}

// QueryContext queries on the context transaction or the pool. The query
// timeout is not applied since rows are consumed after return.
func (a *Adapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.querier(ctx).QueryContext(ctx, query, args...)
}

// QueryRowContext queries a single row on the context transaction or the pool.
func (a *Adapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.querier(ctx).QueryRowContext(ctx, query, args...)
}

func (a *Adapter) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.QueryTimeout)
}
