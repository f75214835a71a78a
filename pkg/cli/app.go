package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/nimburion/conveyor/pkg/alert"
	"github.com/nimburion/conveyor/pkg/api"
	"github.com/nimburion/conveyor/pkg/config"
	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/dispatcher"
	"github.com/nimburion/conveyor/pkg/eventbus"
	eventbusfactory "github.com/nimburion/conveyor/pkg/eventbus/factory"
	"github.com/nimburion/conveyor/pkg/health"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/observability/metrics"
	"github.com/nimburion/conveyor/pkg/observability/tracing"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/queue"
	"github.com/nimburion/conveyor/pkg/scheduler"
	"github.com/nimburion/conveyor/pkg/store/postgres"
	"github.com/nimburion/conveyor/pkg/version"
	"github.com/nimburion/conveyor/pkg/worker"
)

const healthCheckTimeout = 5 * time.Second

// LocalScheme routes dispatcher endpoints such as local://draft to the
// worker running in the same process.
const LocalScheme = "local"

// App holds the components of one conveyor process built from
// configuration.
type App struct {
	Config     *config.Config
	Log        logger.Logger
	Version    version.Info
	DB         *postgres.Adapter
	Queue      queue.Queue
	Tracker    *pipeline.Tracker
	Monitor    *monitor.Monitor
	Alerts     *alert.Notifier
	Producer   eventbus.Producer
	Dispatcher *dispatcher.Dispatcher
	Health     *health.Registry
	Metrics    *metrics.Registry

	invoker *dispatcher.RoutingInvoker
	closers []func(context.Context) error
}

// NewApp opens the stores, queue and brokers named by cfg and wires the
// tracker, monitor, alerts and dispatcher over them. Close releases
// everything NewApp opened, also when it fails halfway.
func NewApp(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *App, err error) {
	if cfg == nil || log == nil {
		return nil, errors.New("config and logger are required")
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		Version: version.Current(cfg.Service.Name),
		Health:  health.NewRegistry(),
		Metrics: metrics.NewRegistry(),
		invoker: dispatcher.NewRoutingInvoker(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()
	a.Health.Register(health.NewPingChecker("process"))

	if cfg.Tracing.Enabled {
		tp, err := tracing.NewTracerProvider(ctx, cfg.Tracer(a.Version.Version))
		if err != nil {
			return nil, fmt.Errorf("create tracer provider: %w", err)
		}
		a.onClose(tp.Shutdown)
	}

	if cfg.Database.IsPostgres() {
		a.DB, err = postgres.Open(cfg.Database.Postgres(), log)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.onClose(func(context.Context) error { return a.DB.Close() })
		a.Health.Register(health.NewAdapterChecker("postgres", a.DB, healthCheckTimeout))
	}

	if a.Queue, err = queue.New(ctx, cfg.Queue, a.postgresQueueDB(), log); err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Queue.Close() })
	a.Health.Register(health.NewAdapterChecker("queue", a.Queue, healthCheckTimeout))

	if cfg.EventBus.Enabled() {
		if a.Producer, err = eventbusfactory.NewProducer(cfg.EventBus, log); err != nil {
			return nil, fmt.Errorf("create event bus producer: %w", err)
		}
		a.onClose(func(context.Context) error { return a.Producer.Close() })
		a.Health.Register(health.NewAdapterChecker("eventbus", a.Producer, healthCheckTimeout))
	}

	if a.Alerts, err = alert.NewFromConfig(cfg.Alerts, a.Producer, log); err != nil {
		return nil, fmt.Errorf("create alert notifier: %w", err)
	}

	jobs, dlq, samples := a.stores()
	recorder, err := monitor.NewRecorder(samples, log)
	if err != nil {
		return nil, err
	}
	a.Tracker, err = pipeline.NewTracker(jobs, a.Queue, dlq, cfg.Pipeline, log,
		pipeline.WithMetrics(recorder), pipeline.WithNotifier(a.Alerts))
	if err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}
	a.Monitor, err = monitor.New(samples, a.Tracker, log, monitor.WithRollupWindow(cfg.Monitor.RollupWindow))
	if err != nil {
		return nil, fmt.Errorf("create monitor: %w", err)
	}

	for _, name := range a.Queues() {
		if err := a.Queue.Create(ctx, name); err != nil {
			return nil, fmt.Errorf("create queue %s: %w", name, err)
		}
	}

	var stageDB postgres.Querier
	if a.DB != nil {
		stageDB = a.DB
	}
	source, err := dispatcher.NewSource(cfg.Dispatcher, stageDB)
	if err != nil {
		return nil, fmt.Errorf("create stage source: %w", err)
	}
	a.Health.RegisterFunc("stage_source", stageSourceCheck(source))
	httpInvoker := dispatcher.NewHTTPInvoker(cfg.Dispatcher.HTTP)
	a.invoker.Handle("http", httpInvoker).Handle("https", httpInvoker)
	if a.Producer != nil {
		a.invoker.Handle(cfg.EventBus.Type, dispatcher.NewEventBusInvoker(a.Producer))
	}
	a.Dispatcher, err = dispatcher.New(source, a.Tracker, a.invoker, log,
		dispatcher.WithRateLimit(cfg.Dispatcher.RateLimit, cfg.Dispatcher.Burst))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	return a, nil
}

func (a *App) postgresQueueDB() queue.PostgresDB {
	if a.DB == nil {
		return nil
	}
	return a.DB
}

func (a *App) stores() (pipeline.Store, deadletter.Store, monitor.Store) {
	if a.DB != nil {
		return pipeline.NewPostgresStore(a.DB), deadletter.NewPostgresStore(a.DB), monitor.NewPostgresStore(a.DB)
	}
	a.Log.Warn("using in-memory job store, job state is lost on restart")
	return pipeline.NewMemoryStore(), deadletter.NewMemoryStore(), monitor.NewMemoryStore()
}

// Stages lists every stage named by a pipeline or a static dispatcher
// stage, sorted.
func (a *App) Stages() []string {
	seen := map[string]struct{}{}
	for _, stages := range a.Config.Pipeline.Pipelines {
		for _, stage := range stages {
			seen[stage] = struct{}{}
		}
	}
	for _, sc := range a.Config.Dispatcher.Stages {
		seen[sc.Stage] = struct{}{}
	}
	return sortedKeys(seen)
}

// Queues lists the queues carrying Stages.
func (a *App) Queues() []string {
	seen := map[string]struct{}{}
	for _, stage := range a.Stages() {
		seen[a.Tracker.QueueFor(stage)] = struct{}{}
	}
	for _, sc := range a.Config.Dispatcher.Stages {
		if sc.Queue != "" {
			seen[sc.Queue] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// NewWorker builds a worker over the tracker and lets configure register
// its stage handlers. Dispatcher endpoints with the local scheme are
// submitted to it directly.
func (a *App) NewWorker(configure func(*worker.Worker) error) (*worker.Worker, error) {
	w, err := worker.New(a.Tracker, a.Log, a.Config.Worker)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	if configure != nil {
		if err := configure(w); err != nil {
			return nil, fmt.Errorf("configure worker: %w", err)
		}
	}
	a.invoker.Handle(LocalScheme, dispatcher.InvokerFunc(func(_ context.Context, _ string, inv dispatcher.Invocation) error {
		return w.Submit(inv)
	}))
	return w, nil
}

// NewScheduler builds the periodic task runtime with the configured lock
// provider and the built-in tasks.
func (a *App) NewScheduler() (*scheduler.Runtime, error) {
	cfg := a.Config.Scheduler
	var (
		lock scheduler.LockProvider
		err  error
	)
	switch cfg.LockProvider {
	case config.SchedulerLockProviderRedis:
		lock, err = scheduler.NewRedisLockProvider(cfg.Redis, a.Log)
	case config.SchedulerLockProviderPostgres:
		if a.DB == nil {
			return nil, errors.New("the postgres lock provider requires database.type postgres")
		}
		lock, err = scheduler.NewPostgresLockProvider(a.DB, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported scheduler lock provider %q", cfg.LockProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("create scheduler lock provider: %w", err)
	}
	a.onClose(func(context.Context) error { return lock.Close() })
	a.Health.Register(scheduler.NewLockProviderHealthChecker("scheduler_lock", lock, healthCheckTimeout))

	rt, err := scheduler.NewRuntime(lock, a.Log, cfg.Runtime())
	if err != nil {
		return nil, fmt.Errorf("create scheduler runtime: %w", err)
	}
	if err := scheduler.RegisterDefaults(rt, cfg.Tasks, a.Dispatcher, a.Tracker, a.Monitor, a.Config.Monitor.Thresholds, a.Alerts, a.Log); err != nil {
		return nil, fmt.Errorf("register scheduler tasks: %w", err)
	}
	return rt, nil
}

// Handler builds the HTTP API. workerHandler is mounted on
// /v1/worker/invoke when not nil.
func (a *App) Handler(workerHandler http.Handler) (http.Handler, error) {
	return api.NewHandler(api.Options{
		Tracker:        a.Tracker,
		Dispatcher:     a.Dispatcher,
		Monitor:        a.Monitor,
		Thresholds:     a.Config.Monitor.Thresholds,
		Health:         a.Health,
		Metrics:        a.Metrics,
		Worker:         workerHandler,
		Stages:         a.Stages(),
		Version:        a.Version,
		MaxRequestSize: a.Config.HTTP.MaxRequestSize,
		Logger:         a.Log,
	})
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// stageSourceCheck degrades health when the dispatcher cannot load its
// stage routing.
func stageSourceCheck(source dispatcher.ConfigSource) func(context.Context) health.CheckResult {
	return func(ctx context.Context) health.CheckResult {
		start := time.Now()
		result := health.CheckResult{Name: "stage_source", Status: health.StatusHealthy, Message: "OK"}
		configs, err := source.StageConfigs(ctx)
		if err != nil {
			result.Status = health.StatusDegraded
			result.Message = "stage routing unavailable"
			result.Error = err.Error()
		} else {
			result.Metadata = map[string]any{"stages": len(configs)}
		}
		result.Timestamp = time.Now()
		result.Duration = time.Since(start)
		return result
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		if key != "" {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
