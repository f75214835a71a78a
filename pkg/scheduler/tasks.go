package scheduler

import (
	"context"
	"time"

	"github.com/nimburion/conveyor/pkg/dispatcher"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/pipeline"
)

const (
	TaskDispatcherTick = "dispatcher-tick"
	TaskRefreshRollups = "refresh-rollups"
	TaskDepthSnapshot  = "queue-depth-snapshot"
	TaskHealthCheck    = "health-check"
	TaskReconcile      = "reconcile-stages"
)

// TasksConfig holds the schedules of the built-in tasks. An empty schedule
// disables the task.
type TasksConfig struct {
	DispatcherTick string        `mapstructure:"dispatcher_tick"`
	RefreshRollups string        `mapstructure:"refresh_rollups"`
	RollupWindow   time.Duration `mapstructure:"rollup_window"`
	DepthSnapshot  string        `mapstructure:"depth_snapshot"`
	HealthCheck    string        `mapstructure:"health_check"`
	// Reconcile resends stages whose queue message was lost and advances
	// completed stages whose successor was never queued.
	Reconcile      string        `mapstructure:"reconcile"`
	ReconcileGrace time.Duration `mapstructure:"reconcile_grace"`
	ReconcileLimit int           `mapstructure:"reconcile_limit"`
}

// DefaultTasksConfig ticks the dispatcher every minute and refreshes
// monitoring state every five.
func DefaultTasksConfig() TasksConfig {
	return TasksConfig{
		DispatcherTick: "@every 1m",
		RefreshRollups: "@every 5m",
		RollupWindow:   time.Hour,
		DepthSnapshot:  "@every 1m",
		HealthCheck:    "@every 5m",
		Reconcile:      "@every 1m",
		ReconcileGrace: 5 * time.Minute,
		ReconcileLimit: pipeline.DefaultReconcileLimit,
	}
}

// Ticker runs one dispatcher pass.
type Ticker interface {
	Tick(ctx context.Context) (*dispatcher.TickReport, error)
}

// Reconciler repairs stages that lost their queue message.
type Reconciler interface {
	Reconcile(ctx context.Context, grace time.Duration, limit int) (*pipeline.ReconcileReport, error)
}

// Monitoring is the monitor surface the built-in tasks call.
type Monitoring interface {
	RefreshRollups(ctx context.Context, window time.Duration) (int, error)
	CaptureQueueDepthSnapshot(ctx context.Context) ([]monitor.DepthCount, error)
	HealthCheck(ctx context.Context, thresholds monitor.Thresholds) (*monitor.Report, error)
}

// HealthNotifier receives non-healthy reports.
type HealthNotifier interface {
	NotifyHealth(ctx context.Context, report *monitor.Report)
}

// DispatcherTickTask runs unlocked: ticks are idempotent and several
// dispatchers may run at once.
func DispatcherTickTask(schedule string, ticker Ticker) Task {
	return Task{
		Name:     TaskDispatcherTick,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := ticker.Tick(ctx)
			return err
		},
	}
}

// RefreshRollupsTask recomputes the rollups of the trailing window.
func RefreshRollupsTask(schedule string, window time.Duration, m Monitoring, log logger.Logger) Task {
	return Task{
		Name:      TaskRefreshRollups,
		Schedule:  schedule,
		Singleton: true,
		Run: func(ctx context.Context) error {
			n, err := m.RefreshRollups(ctx, window)
			if err != nil {
				return err
			}
			log.Debug("rollups refreshed", "window", window, "rows", n)
			return nil
		},
	}
}

// DepthSnapshotTask records a queue depth snapshot.
func DepthSnapshotTask(schedule string, m Monitoring) Task {
	return Task{
		Name:      TaskDepthSnapshot,
		Schedule:  schedule,
		Singleton: true,
		Run: func(ctx context.Context) error {
			_, err := m.CaptureQueueDepthSnapshot(ctx)
			return err
		},
	}
}

// HealthCheckTask evaluates thresholds and forwards non-healthy reports to
// notifier.
func HealthCheckTask(schedule string, thresholds monitor.Thresholds, m Monitoring, notifier HealthNotifier) Task {
	return Task{
		Name:      TaskHealthCheck,
		Schedule:  schedule,
		Singleton: true,
		Run: func(ctx context.Context) error {
			report, err := m.HealthCheck(ctx, thresholds)
			if err != nil {
				return err
			}
			if notifier != nil {
				notifier.NotifyHealth(ctx, report)
			}
			return nil
		},
	}
}

// ReconcileTask runs one reconcile pass over stages untouched for grace.
// It is locked so that two passes never resend the same stage.
func ReconcileTask(schedule string, grace time.Duration, limit int, rec Reconciler, log logger.Logger) Task {
	return Task{
		Name:      TaskReconcile,
		Schedule:  schedule,
		Singleton: true,
		Run: func(ctx context.Context) error {
			report, err := rec.Reconcile(ctx, grace, limit)
			if err != nil {
				return err
			}
			log.Debug("stages reconciled", "resent", report.Resent, "advanced", report.Advanced, "failed", report.Failed)
			return nil
		},
	}
}

// RegisterDefaults registers the built-in tasks whose schedule is set.
// ticker, rec and m may be nil to leave their tasks out.
func RegisterDefaults(r *Runtime, cfg TasksConfig, ticker Ticker, rec Reconciler, m Monitoring, thresholds monitor.Thresholds, notifier HealthNotifier, log logger.Logger) error {
	var tasks []Task
	if ticker != nil && cfg.DispatcherTick != "" {
		tasks = append(tasks, DispatcherTickTask(cfg.DispatcherTick, ticker))
	}
	if rec != nil && cfg.Reconcile != "" {
		grace := cfg.ReconcileGrace
		if grace <= 0 {
			grace = 5 * time.Minute
		}
		tasks = append(tasks, ReconcileTask(cfg.Reconcile, grace, cfg.ReconcileLimit, rec, log))
	}
	if m != nil {
		if cfg.RefreshRollups != "" {
			window := cfg.RollupWindow
			if window <= 0 {
				window = time.Hour
			}
			tasks = append(tasks, RefreshRollupsTask(cfg.RefreshRollups, window, m, log))
		}
		if cfg.DepthSnapshot != "" {
			tasks = append(tasks, DepthSnapshotTask(cfg.DepthSnapshot, m))
		}
		if cfg.HealthCheck != "" {
			tasks = append(tasks, HealthCheckTask(cfg.HealthCheck, thresholds, m, notifier))
		}
	}
	for _, task := range tasks {
		if err := r.Register(task); err != nil {
			return err
		}
	}
	return nil
}
