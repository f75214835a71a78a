package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/conveyor/pkg/testutil"
)

func TestRedisLockConfigNormalize(t *testing.T) {
	cfg := RedisLockConfig{}
	cfg.normalize()
	if cfg.Prefix != "conveyor:scheduler:lock" {
		t.Errorf("expected default prefix, got %s", cfg.Prefix)
	}
	if cfg.OperationTimeout != 3*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.OperationTimeout)
	}
}

func TestNewRedisLockProvider_Validation(t *testing.T) {
	if _, err := NewRedisLockProvider(RedisLockConfig{}, testutil.NopLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing url, got %v", err)
	}
	if _, err := NewRedisLockProvider(RedisLockConfig{URL: "://bad"}, testutil.NopLogger{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad url, got %v", err)
	}
	if _, err := NewRedisLockProviderWithClient(nil, RedisLockConfig{}, testutil.NopLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil client, got %v", err)
	}
}

func TestRedisLockProvider_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}()

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	a, err := NewRedisLockProvider(RedisLockConfig{URL: url}, testutil.NopLogger{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer a.Close()
	b, err := NewRedisLockProvider(RedisLockConfig{URL: url}, testutil.NopLogger{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer b.Close()

	if err := a.HealthCheck(ctx); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}

	lease, ok, err := a.Acquire(ctx, "queue-depth-snapshot:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to win, got %v %v", ok, err)
	}
	if _, ok, err := b.Acquire(ctx, "queue-depth-snapshot:1", time.Minute); err != nil || ok {
		t.Fatalf("expected second instance to lose, got %v %v", ok, err)
	}
	if err := b.Release(ctx, &LockLease{Key: lease.Key, Token: "forged"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected forged release rejected, got %v", err)
	}
	if err := a.Renew(ctx, lease, 2*time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := a.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := b.Acquire(ctx, "queue-depth-snapshot:1", time.Minute); err != nil || !ok {
		t.Fatalf("expected acquire after release, got %v %v", ok, err)
	}
}
