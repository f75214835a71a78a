package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

const (
	DefaultTaskTimeout = 5 * time.Minute
	DefaultLockTTL     = 2 * time.Minute
)

// Config controls scheduler runtime behavior.
type Config struct {
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	DefaultLockTTL time.Duration `mapstructure:"default_lock_ttl"`
}

func (c *Config) normalize() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = DefaultLockTTL
	}
}

// Runtime fires registered tasks on their schedules.
type Runtime struct {
	lock LockProvider
	log  logger.Logger
	now  func() time.Time

	config Config

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler. lock may be nil when no task is a
// singleton.
func NewRuntime(lock LockProvider, log logger.Logger, cfg Config) (*Runtime, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &Runtime{
		lock:   lock,
		log:    log.With("component", "scheduler"),
		now:    time.Now,
		config: cfg,
		tasks:  map[string]Task{},
	}, nil
}

// Register adds a task.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Singleton && r.lock == nil {
		return schedulerError(ErrValidation, fmt.Sprintf("task %s is a singleton but no lock provider is configured", task.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = task
	return nil
}

// Tasks lists registered task names in order.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs all registered tasks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	r.log.Info("scheduler started", "tasks", len(tasks))
	for _, task := range tasks {
		r.wg.Add(1)
		go r.runTaskLoop(runCtx, task)
	}

	<-runCtx.Done()
	return r.Stop(context.Background())
}

// Stop cancels the task loops and waits for running tasks.
func (r *Runtime) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.log.Info("scheduler stopped")
		return nil
	}
}

// RunNow executes the named task once, honoring its singleton lock.
func (r *Runtime) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	task, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", name))
	}
	_, err := r.runTask(ctx, task, r.now().UTC())
	return err
}

func (r *Runtime) runTaskLoop(ctx context.Context, task Task) {
	defer r.wg.Done()

	now := r.now().UTC()
	for {
		nextRun, err := task.nextRun(now)
		if err != nil {
			r.log.Error("scheduler task has invalid schedule", "task", task.Name, "error", err)
			return
		}

		timer := time.NewTimer(max(time.Until(nextRun), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := r.runTask(ctx, task, nextRun); err != nil {
			r.log.Error("scheduled task failed", "task", task.Name, "run_at", nextRun, "error", err)
		}
		now = nextRun
	}
}

// runTask reports whether the task body ran. A singleton run whose lock is
// held elsewhere is skipped without error.
func (r *Runtime) runTask(ctx context.Context, task Task, runAt time.Time) (bool, error) {
	var lease *LockLease
	if task.Singleton {
		ttl := task.LockTTL
		if ttl <= 0 {
			ttl = r.config.DefaultLockTTL
		}
		key := fmt.Sprintf("%s:%d", task.Name, runAt.Unix())
		held, acquired, err := r.lock.Acquire(ctx, key, ttl)
		if err != nil {
			recordTaskRun(task.Name, "lock_error")
			return false, fmt.Errorf("acquire lock for %s: %w", task.Name, err)
		}
		if !acquired {
			recordTaskRun(task.Name, "skipped")
			r.log.Debug("scheduled task held by another instance", "task", task.Name, "run_at", runAt)
			return false, nil
		}
		lease = held
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.config.TaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	incrementTaskInFlight(task.Name)
	started := time.Now()
	runErr := safeRun(runCtx, task)
	observeTaskDuration(task.Name, time.Since(started))
	decrementTaskInFlight(task.Name)
	cancel()

	var releaseErr error
	if lease != nil {
		// Release on a fresh context so a cancelled run still frees the lock.
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		releaseErr = r.lock.Release(releaseCtx, lease)
		releaseCancel()
	}

	status := "success"
	if runErr != nil {
		status = "error"
	}
	recordTaskRun(task.Name, status)
	return true, errors.Join(runErr, releaseErr)
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in scheduled task %s: %v", task.Name, rec)
		}
	}()
	return task.Run(ctx)
}

func randomToken() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw)
}
