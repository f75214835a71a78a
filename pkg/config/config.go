package config

import (
	"time"

	"github.com/nimburion/conveyor/pkg/alert"
	"github.com/nimburion/conveyor/pkg/dispatcher"
	eventbusfactory "github.com/nimburion/conveyor/pkg/eventbus/factory"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/observability/tracing"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/queue"
	"github.com/nimburion/conveyor/pkg/scheduler"
	"github.com/nimburion/conveyor/pkg/store/postgres"
	"github.com/nimburion/conveyor/pkg/worker"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "CONVEYOR"

// Database type constants
const (
	// DatabaseTypeMemory keeps jobs, dead letters and samples in process.
	DatabaseTypeMemory = "memory"
	// DatabaseTypePostgres represents PostgreSQL database
	DatabaseTypePostgres = "postgres"
)

// Event bus type constants
const (
	// EventBusTypeKafka represents Apache Kafka event bus
	EventBusTypeKafka = "kafka"
	// EventBusTypeRabbitMQ represents RabbitMQ event bus
	EventBusTypeRabbitMQ = "rabbitmq"
)

// Scheduler lock provider constants
const (
	// SchedulerLockProviderRedis uses Redis for distributed locks
	SchedulerLockProviderRedis = "redis"
	// SchedulerLockProviderPostgres uses PostgreSQL for distributed locks
	SchedulerLockProviderPostgres = "postgres"
)

// Config is the root configuration of a conveyor process.
type Config struct {
	Service    ServiceConfig          `mapstructure:"service"`
	Log        LogConfig              `mapstructure:"log"`
	HTTP       HTTPConfig             `mapstructure:"http"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Queue      queue.Config           `mapstructure:"queue"`
	Pipeline   pipeline.Config        `mapstructure:"pipeline"`
	Dispatcher dispatcher.Config      `mapstructure:"dispatcher"`
	Worker     worker.Config          `mapstructure:"worker"`
	Monitor    MonitorConfig          `mapstructure:"monitor"`
	Alerts     alert.Config           `mapstructure:"alerts"`
	EventBus   eventbusfactory.Config `mapstructure:"eventbus"`
	Scheduler  SchedulerConfig        `mapstructure:"scheduler"`
	Tracing    TracingConfig          `mapstructure:"tracing"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Logger converts the section into a logger configuration.
func (c LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:  logger.LogLevel(c.Level),
		Format: logger.LogFormat(c.Format),
	}
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
}

// DatabaseConfig selects where jobs, stage rows, dead letters and metric
// samples are persisted.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	// MigrationsTable records applied schema versions.
	MigrationsTable string `mapstructure:"migrations_table"`
}

// Postgres converts the section into adapter settings.
func (c DatabaseConfig) Postgres() postgres.Config {
	return postgres.Config{
		URL:             c.URL,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		QueryTimeout:    c.QueryTimeout,
	}
}

// IsPostgres reports whether the durable stores are backed by PostgreSQL.
func (c DatabaseConfig) IsPostgres() bool {
	return c.Type == DatabaseTypePostgres
}

// MonitorConfig configures health evaluation.
type MonitorConfig struct {
	Thresholds monitor.Thresholds `mapstructure:"thresholds"`
	// RollupWindow is the trailing window refreshed on every rollup run.
	RollupWindow time.Duration `mapstructure:"rollup_window"`
}

// SchedulerConfig configures the periodic task runtime.
type SchedulerConfig struct {
	Enabled      bool                         `mapstructure:"enabled"`
	TaskTimeout  time.Duration                `mapstructure:"task_timeout"`
	LockTTL      time.Duration                `mapstructure:"lock_ttl"`
	LockProvider string                       `mapstructure:"lock_provider"`
	Redis        scheduler.RedisLockConfig    `mapstructure:"redis"`
	Postgres     scheduler.PostgresLockConfig `mapstructure:"postgres"`
	Tasks        scheduler.TasksConfig        `mapstructure:"tasks"`
}

// Runtime converts the section into runtime settings.
func (c SchedulerConfig) Runtime() scheduler.Config {
	return scheduler.Config{TaskTimeout: c.TaskTimeout, DefaultLockTTL: c.LockTTL}
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// Tracer builds the provider settings for the given build version.
func (c *Config) Tracer(serviceVersion string) tracing.TracerConfig {
	return tracing.TracerConfig{
		Enabled:        c.Tracing.Enabled,
		ServiceName:    c.Service.Name,
		ServiceVersion: serviceVersion,
		Environment:    c.Service.Environment,
		Endpoint:       c.Tracing.Endpoint,
		SampleRate:     c.Tracing.SampleRate,
		Insecure:       c.Tracing.Insecure,
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	tasks := scheduler.DefaultTasksConfig()
	return &Config{
		Service: ServiceConfig{
			Name:        "conveyor",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  string(logger.InfoLevel),
			Format: string(logger.JSONFormat),
		},
		HTTP: HTTPConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxRequestSize: 1 << 20,
		},
		Database: DatabaseConfig{
			Type:            DatabaseTypeMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
			MigrationsTable: "schema_migrations",
		},
		Queue:      queue.Config{Backend: queue.BackendMemory},
		Pipeline:   pipeline.DefaultConfig(),
		Dispatcher: dispatcher.DefaultConfig(),
		Worker: worker.Config{
			Concurrency:    worker.DefaultConcurrency,
			AttemptTimeout: worker.DefaultAttemptTimeout,
			PollInterval:   worker.DefaultPollInterval,
			StopTimeout:    worker.DefaultStopTimeout,
		},
		Monitor: MonitorConfig{
			Thresholds:   monitor.DefaultThresholds(),
			RollupWindow: tasks.RollupWindow,
		},
		Alerts: alert.Config{MinSeverity: alert.SeverityWarning},
		Scheduler: SchedulerConfig{
			TaskTimeout:  scheduler.DefaultTaskTimeout,
			LockTTL:      scheduler.DefaultLockTTL,
			LockProvider: SchedulerLockProviderPostgres,
			Tasks:        tasks,
		},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1,
			Insecure:   true,
		},
	}
}
