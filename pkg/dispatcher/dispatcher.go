package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/observability/tracing"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/store/postgres"
)

// Config configures the dispatcher and its stage source.
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	// Source is static, file or postgres.
	Source string        `mapstructure:"source"`
	File   string        `mapstructure:"file"`
	Stages []StageConfig `mapstructure:"stages"`
	// RateLimit bounds invocations per second across stages. Zero is
	// unlimited.
	RateLimit float64           `mapstructure:"rate_limit"`
	Burst     int               `mapstructure:"burst"`
	HTTP      HTTPInvokerConfig `mapstructure:"http"`
}

// DefaultConfig ticks once a minute from the static stage list.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, Source: "static", Burst: 10}
}

// NewSource builds the ConfigSource named by cfg.Source. db is required for
// the postgres source only.
func NewSource(cfg Config, db postgres.Querier) (ConfigSource, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "static":
		return NewStaticSource(cfg.Stages...), nil
	case "file":
		return NewFileSource(cfg.File)
	case "postgres":
		if db == nil {
			return nil, dispatcherError(ErrValidation, "postgres stage source requires a database")
		}
		return NewPostgresSource(db), nil
	default:
		return nil, dispatcherError(ErrValidation, fmt.Sprintf("unsupported stage source %q (supported: static, file, postgres)", cfg.Source))
	}
}

// BacklogReader is the tracker surface the dispatcher reads and audits
// through.
type BacklogReader interface {
	Backlog(ctx context.Context, stage string) (pipeline.Backlog, error)
	RecordEvent(ctx context.Context, event *pipeline.Event) error
}

// StageReport is the outcome of one stage in a tick.
type StageReport struct {
	Stage    string `json:"stage"`
	Queue    string `json:"queue"`
	Ready    int    `json:"ready_count"`
	Inflight int    `json:"inflight_count"`
	Planned  int    `json:"workers_to_start"`
	Invoked  int    `json:"invoked"`
	Failed   int    `json:"failed"`
	Skipped  string `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TickReport summarizes one tick.
type TickReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Stages    []StageReport `json:"stages"`
	Invoked   int           `json:"invoked"`
	Failed    int           `json:"failed"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithRateLimit bounds invocations per second. Zero or less is unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, burst))
	}
}

// Dispatcher issues worker invocations bounded by stage concurrency. It is
// stateless: every tick reloads configuration and backlog, so several
// dispatchers may run at once and over-scheduling corrects itself on the
// next tick.
type Dispatcher struct {
	source  ConfigSource
	backlog BacklogReader
	invoker Invoker
	limiter *rate.Limiter
	log     logger.Logger
	now     func() time.Time
}

// New creates a dispatcher.
func New(source ConfigSource, backlog BacklogReader, invoker Invoker, log logger.Logger, opts ...Option) (*Dispatcher, error) {
	switch {
	case source == nil:
		return nil, dispatcherError(ErrValidation, "config source is required")
	case backlog == nil:
		return nil, dispatcherError(ErrValidation, "backlog reader is required")
	case invoker == nil:
		return nil, dispatcherError(ErrValidation, "invoker is required")
	case log == nil:
		return nil, dispatcherError(ErrValidation, "logger is required")
	}
	d := &Dispatcher{
		source:  source,
		backlog: backlog,
		invoker: invoker,
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     log.With("component", "dispatcher"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Tick runs one control-loop pass over every enabled stage. Only a failure
// to load the stage configuration is returned; per-stage and per-invocation
// failures are logged and reported.
func (d *Dispatcher) Tick(ctx context.Context) (_ *TickReport, err error) {
	started := d.now()
	ctx, span := tracing.StartStageSpan(ctx, tracing.SpanOperationDispatcherTick)
	defer func() {
		tracing.End(span, err)
		tickDuration.Observe(time.Since(started).Seconds())
	}()

	configs, err := d.source.StageConfigs(ctx)
	if err != nil {
		d.log.Error("failed to load stage configs", "error", err)
		return nil, err
	}

	report := &TickReport{StartedAt: started, Stages: make([]StageReport, 0, len(configs))}
	for _, cfg := range configs {
		stage := d.dispatchStage(ctx, cfg)
		report.Invoked += stage.Invoked
		report.Failed += stage.Failed
		report.Stages = append(report.Stages, stage)
	}
	report.Duration = d.now().Sub(started)

	d.log.Info("dispatcher tick finished",
		"stages", len(report.Stages),
		"invoked", report.Invoked,
		"failed", report.Failed,
	)
	return report, nil
}

func (d *Dispatcher) dispatchStage(ctx context.Context, cfg StageConfig) StageReport {
	report := StageReport{Stage: cfg.Stage, Queue: cfg.QueueName()}
	if !cfg.Enabled {
		report.Skipped = "disabled"
		return report
	}
	if err := cfg.Validate(); err != nil {
		d.log.Warn("skipping invalid stage config", "stage", cfg.Stage, "error", err)
		report.Skipped = "invalid"
		report.Error = err.Error()
		return report
	}

	backlog, err := d.backlog.Backlog(ctx, cfg.Stage)
	if err != nil {
		d.log.Warn("failed to read stage backlog", "stage", cfg.Stage, "error", err)
		report.Error = err.Error()
		return report
	}
	report.Ready = backlog.Ready
	report.Inflight = backlog.Inflight
	report.Planned = WorkersToStart(cfg, backlog)
	if report.Planned == 0 {
		return report
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < report.Planned; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.invoke(ctx, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			report.Invoked++
		}()
	}
	wg.Wait()
	if firstErr != nil {
		report.Error = firstErr.Error()
	}
	d.log.Debug("stage dispatched",
		"stage", cfg.Stage,
		"ready", backlog.Ready,
		"inflight", backlog.Inflight,
		"invoked", report.Invoked,
		"failed", report.Failed,
	)
	return report
}

func (d *Dispatcher) invoke(ctx context.Context, cfg StageConfig) error {
	inv := Invocation{
		DispatchID: uuid.NewString(),
		Stage:      cfg.Stage,
		Queue:      cfg.QueueName(),
		Timestamp:  d.now().UTC(),
	}
	err := d.limiter.Wait(ctx)
	if err == nil {
		err = d.invoker.Invoke(ctx, cfg.WorkerEndpoint, inv)
	}
	recordInvocation(cfg.Stage, err)
	if err != nil {
		d.log.Warn("worker invocation failed",
			"stage", cfg.Stage,
			"endpoint", cfg.WorkerEndpoint,
			"dispatch_id", inv.DispatchID,
			"error", err,
		)
		return err
	}

	event := &pipeline.Event{
		Stage:   cfg.Stage,
		Kind:    pipeline.EventDispatched,
		Message: "worker invoked",
		Metadata: map[string]any{
			"dispatch_id": inv.DispatchID,
			"queue":       inv.Queue,
			"endpoint":    cfg.WorkerEndpoint,
		},
	}
	if err := d.backlog.RecordEvent(ctx, event); err != nil {
		d.log.Warn("failed to record dispatch event", "stage", cfg.Stage, "dispatch_id", inv.DispatchID, "error", err)
	}
	return nil
}
