// Package migrate applies the conveyor PostgreSQL schema.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

const defaultTimeout = 60 * time.Second

// Command is a migration action.
type Command string

const (
	CommandUp     Command = "up"
	CommandDown   Command = "down"
	CommandStatus Command = "status"
)

// PendingMigration is a migration not yet applied.
type PendingMigration struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
}

// Status lists applied versions and pending migrations.
type Status struct {
	AppliedVersions []int64            `json:"applied_versions"`
	Pending         []PendingMigration `json:"pending"`
}

// Operations are the actions Execute dispatches to. SQLManager.Operations
// binds them to the embedded schema.
type Operations struct {
	Up     func(ctx context.Context) (int, error)
	Down   func(ctx context.Context, steps int) (int, error)
	Status func(ctx context.Context) (*Status, error)
}

// Options bounds and logs one Execute call.
type Options struct {
	Timeout time.Duration
	Logger  logger.Logger
}

// Result reports what Execute did.
type Result struct {
	Command  Command       `json:"command"`
	Applied  int           `json:"applied"`
	Reverted int           `json:"reverted"`
	Status   *Status       `json:"status,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Execute runs cmd under the configured timeout. steps only applies to
// CommandDown and must be positive there.
func Execute(ctx context.Context, cmd Command, steps int, opts Options, ops Operations) (*Result, error) {
	if opts.Logger == nil {
		return nil, errors.New("migration logger is required")
	}
	if ops.Up == nil || ops.Down == nil || ops.Status == nil {
		return nil, errors.New("migration operations are incomplete")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := &Result{Command: cmd}
	var err error
	switch cmd {
	case CommandUp:
		if res.Applied, err = ops.Up(ctx); err == nil {
			opts.Logger.Info("migrations applied", "count", res.Applied)
		}
	case CommandDown:
		if steps <= 0 {
			return nil, fmt.Errorf("down steps must be greater than zero, got %d", steps)
		}
		if res.Reverted, err = ops.Down(ctx, steps); err == nil {
			opts.Logger.Info("migrations reverted", "count", res.Reverted, "steps", steps)
		}
	case CommandStatus:
		if res.Status, err = ops.Status(ctx); err == nil {
			opts.Logger.Info("migration status", "applied", len(res.Status.AppliedVersions), "pending", len(res.Status.Pending))
		}
	default:
		return nil, fmt.Errorf("unknown migration command %q (want up, down or status)", cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", cmd, err)
	}
	res.Duration = time.Since(start)
	return res, nil
}
