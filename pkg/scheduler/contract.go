package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/nimburion/conveyor/pkg/health"
)

// LockLease is a held singleton lock. Token proves ownership on Renew and
// Release; a lease past ExpireAt may already belong to another process.
type LockLease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// LockProvider guards singleton tasks (rollups, depth snapshots, health
// evaluation) so one process runs them per schedule slot. Acquire returns
// false without error when another holder owns the key.
type LockProvider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease *LockLease) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewLockProviderHealthChecker reports the lock backend on the health
// registry, named scheduler_lock unless name is set.
func NewLockProviderHealthChecker(name string, provider LockProvider, timeout time.Duration) health.Checker {
	if name = strings.TrimSpace(name); name == "" {
		name = "scheduler_lock"
	}
	return health.NewAdapterChecker(name, provider, timeout)
}
