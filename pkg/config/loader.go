package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to CONVEYOR)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		if secrets, err = l.mergeSecrets(v); err != nil {
			return nil, nil, err
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	bind := func(key string, suffixes ...string) {
		names := make([]string, 0, len(suffixes)+1)
		names = append(names, key)
		for _, suffix := range suffixes {
			names = append(names, l.prefixedEnv(suffix))
		}
		_ = v.BindEnv(names...)
	}

	bind("service.name", "SERVICE_NAME")
	bind("service.environment", "SERVICE_ENVIRONMENT", "ENVIRONMENT")

	bind("log.level", "LOG_LEVEL")
	bind("log.format", "LOG_FORMAT")

	// HTTP
	bind("http.port", "HTTP_PORT")
	bind("http.read_timeout", "HTTP_READ_TIMEOUT")
	bind("http.write_timeout", "HTTP_WRITE_TIMEOUT")
	bind("http.idle_timeout", "HTTP_IDLE_TIMEOUT")
	bind("http.max_request_size", "HTTP_MAX_REQUEST_SIZE")

	// Database
	bind("database.type", "DB_TYPE", "DATABASE_TYPE")
	bind("database.url", "DB_URL", "DATABASE_URL")
	bind("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	bind("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	bind("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")
	bind("database.conn_max_idle_time", "DB_CONN_MAX_IDLE_TIME")
	bind("database.query_timeout", "DB_QUERY_TIMEOUT")
	bind("database.migrations_table", "DB_MIGRATIONS_TABLE")

	// Queue
	bind("queue.backend", "QUEUE_BACKEND")
	bind("queue.redis.url", "QUEUE_REDIS_URL")
	bind("queue.redis.prefix", "QUEUE_REDIS_PREFIX")
	bind("queue.redis.operation_timeout", "QUEUE_REDIS_OPERATION_TIMEOUT")
	bind("queue.sqs.region", "QUEUE_SQS_REGION", "AWS_REGION")
	bind("queue.sqs.endpoint", "QUEUE_SQS_ENDPOINT")
	bind("queue.sqs.access_key_id", "QUEUE_SQS_ACCESS_KEY_ID")
	bind("queue.sqs.secret_access_key", "QUEUE_SQS_SECRET_ACCESS_KEY")
	bind("queue.sqs.session_token", "QUEUE_SQS_SESSION_TOKEN")
	bind("queue.sqs.operation_timeout", "QUEUE_SQS_OPERATION_TIMEOUT")

	// Pipeline
	bind("pipeline.policy.priority", "PIPELINE_POLICY_PRIORITY")
	bind("pipeline.policy.availability", "PIPELINE_POLICY_AVAILABILITY")
	bind("pipeline.policy.visibility", "PIPELINE_POLICY_VISIBILITY")
	bind("pipeline.default_visibility_timeout", "PIPELINE_DEFAULT_VISIBILITY_TIMEOUT")
	bind("pipeline.default_max_attempts", "PIPELINE_DEFAULT_MAX_ATTEMPTS")
	bind("pipeline.default_retry_delay_seconds", "PIPELINE_DEFAULT_RETRY_DELAY_SECONDS")

	// Dispatcher
	bind("dispatcher.interval", "DISPATCHER_INTERVAL")
	bind("dispatcher.source", "DISPATCHER_SOURCE")
	bind("dispatcher.file", "DISPATCHER_FILE")
	bind("dispatcher.rate_limit", "DISPATCHER_RATE_LIMIT")
	bind("dispatcher.burst", "DISPATCHER_BURST")
	bind("dispatcher.http.timeout", "DISPATCHER_HTTP_TIMEOUT")
	bind("dispatcher.http.breaker_failures", "DISPATCHER_HTTP_BREAKER_FAILURES")
	bind("dispatcher.http.breaker_cool_off", "DISPATCHER_HTTP_BREAKER_COOL_OFF")

	// Worker
	bind("worker.concurrency", "WORKER_CONCURRENCY")
	bind("worker.batch_size", "WORKER_BATCH_SIZE")
	bind("worker.visibility_timeout", "WORKER_VISIBILITY_TIMEOUT")
	bind("worker.attempt_timeout", "WORKER_ATTEMPT_TIMEOUT")
	bind("worker.poll_interval", "WORKER_POLL_INTERVAL")
	bind("worker.stop_timeout", "WORKER_STOP_TIMEOUT")

	// Monitor
	bind("monitor.thresholds.duration_seconds", "MONITOR_DURATION_SECONDS")
	bind("monitor.thresholds.error_rate", "MONITOR_ERROR_RATE")
	bind("monitor.thresholds.queue_depth", "MONITOR_QUEUE_DEPTH")
	bind("monitor.rollup_window", "MONITOR_ROLLUP_WINDOW")

	// Alerts
	bind("alerts.min_severity", "ALERTS_MIN_SEVERITY")
	bind("alerts.webhook.url", "ALERTS_WEBHOOK_URL")
	bind("alerts.webhook.operation_timeout", "ALERTS_WEBHOOK_OPERATION_TIMEOUT")
	bind("alerts.eventbus_topic", "ALERTS_EVENTBUS_TOPIC")
	bind("alerts.email.host", "ALERTS_EMAIL_HOST")
	bind("alerts.email.port", "ALERTS_EMAIL_PORT")
	bind("alerts.email.username", "ALERTS_EMAIL_USERNAME")
	bind("alerts.email.password", "ALERTS_EMAIL_PASSWORD")
	bind("alerts.email.from", "ALERTS_EMAIL_FROM")
	bind("alerts.email.to", "ALERTS_EMAIL_TO")
	bind("alerts.email.enable_tls", "ALERTS_EMAIL_ENABLE_TLS")

	// Event bus
	bind("eventbus.type", "EVENTBUS_TYPE")
	bind("eventbus.kafka.brokers", "EVENTBUS_KAFKA_BROKERS")
	bind("eventbus.kafka.operation_timeout", "EVENTBUS_KAFKA_OPERATION_TIMEOUT")
	bind("eventbus.kafka.max_retries", "EVENTBUS_KAFKA_MAX_RETRIES")
	bind("eventbus.rabbitmq.url", "EVENTBUS_RABBITMQ_URL")
	bind("eventbus.rabbitmq.exchange", "EVENTBUS_RABBITMQ_EXCHANGE")
	bind("eventbus.rabbitmq.exchange_type", "EVENTBUS_RABBITMQ_EXCHANGE_TYPE")
	bind("eventbus.rabbitmq.operation_timeout", "EVENTBUS_RABBITMQ_OPERATION_TIMEOUT")

	// Scheduler
	bind("scheduler.enabled", "SCHEDULER_ENABLED")
	bind("scheduler.task_timeout", "SCHEDULER_TASK_TIMEOUT")
	bind("scheduler.lock_ttl", "SCHEDULER_LOCK_TTL")
	bind("scheduler.lock_provider", "SCHEDULER_LOCK_PROVIDER")
	bind("scheduler.redis.url", "SCHEDULER_REDIS_URL")
	bind("scheduler.redis.prefix", "SCHEDULER_REDIS_PREFIX")
	bind("scheduler.redis.operation_timeout", "SCHEDULER_REDIS_OPERATION_TIMEOUT")
	bind("scheduler.postgres.table", "SCHEDULER_POSTGRES_TABLE")
	bind("scheduler.postgres.operation_timeout", "SCHEDULER_POSTGRES_OPERATION_TIMEOUT")
	bind("scheduler.tasks.dispatcher_tick", "SCHEDULER_DISPATCHER_TICK")
	bind("scheduler.tasks.refresh_rollups", "SCHEDULER_REFRESH_ROLLUPS")
	bind("scheduler.tasks.rollup_window", "SCHEDULER_ROLLUP_WINDOW")
	bind("scheduler.tasks.depth_snapshot", "SCHEDULER_DEPTH_SNAPSHOT")
	bind("scheduler.tasks.health_check", "SCHEDULER_HEALTH_CHECK")
	bind("scheduler.tasks.reconcile", "SCHEDULER_RECONCILE")
	bind("scheduler.tasks.reconcile_grace", "SCHEDULER_RECONCILE_GRACE")
	bind("scheduler.tasks.reconcile_limit", "SCHEDULER_RECONCILE_LIMIT")

	// Tracing
	bind("tracing.enabled", "TRACING_ENABLED")
	bind("tracing.endpoint", "TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	bind("tracing.sample_rate", "TRACING_SAMPLE_RATE")
	bind("tracing.insecure", "TRACING_INSECURE")
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// setDefaults registers every scalar key so env bindings and Unmarshal see
// it. Stage lists and pipeline definitions only come from the file.
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.max_request_size", cfg.HTTP.MaxRequestSize)

	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)
	v.SetDefault("database.migrations_table", cfg.Database.MigrationsTable)

	v.SetDefault("queue.backend", cfg.Queue.Backend)

	v.SetDefault("pipeline.policy.priority", string(cfg.Pipeline.Policy.Priority))
	v.SetDefault("pipeline.policy.availability", string(cfg.Pipeline.Policy.Availability))
	v.SetDefault("pipeline.policy.visibility", string(cfg.Pipeline.Policy.Visibility))
	v.SetDefault("pipeline.default_visibility_timeout", cfg.Pipeline.DefaultVisibilityTimeout)
	v.SetDefault("pipeline.default_max_attempts", cfg.Pipeline.DefaultMaxAttempts)
	v.SetDefault("pipeline.default_retry_delay_seconds", cfg.Pipeline.DefaultRetryDelaySeconds)

	v.SetDefault("dispatcher.interval", cfg.Dispatcher.Interval)
	v.SetDefault("dispatcher.source", cfg.Dispatcher.Source)
	v.SetDefault("dispatcher.rate_limit", cfg.Dispatcher.RateLimit)
	v.SetDefault("dispatcher.burst", cfg.Dispatcher.Burst)

	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.attempt_timeout", cfg.Worker.AttemptTimeout)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)

	v.SetDefault("monitor.thresholds.duration_seconds", cfg.Monitor.Thresholds.DurationSeconds)
	v.SetDefault("monitor.thresholds.error_rate", cfg.Monitor.Thresholds.ErrorRate)
	v.SetDefault("monitor.thresholds.queue_depth", cfg.Monitor.Thresholds.QueueDepth)
	v.SetDefault("monitor.rollup_window", cfg.Monitor.RollupWindow)

	v.SetDefault("alerts.min_severity", string(cfg.Alerts.MinSeverity))

	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.task_timeout", cfg.Scheduler.TaskTimeout)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)
	v.SetDefault("scheduler.lock_provider", cfg.Scheduler.LockProvider)
	v.SetDefault("scheduler.tasks.dispatcher_tick", cfg.Scheduler.Tasks.DispatcherTick)
	v.SetDefault("scheduler.tasks.refresh_rollups", cfg.Scheduler.Tasks.RefreshRollups)
	v.SetDefault("scheduler.tasks.rollup_window", cfg.Scheduler.Tasks.RollupWindow)
	v.SetDefault("scheduler.tasks.depth_snapshot", cfg.Scheduler.Tasks.DepthSnapshot)
	v.SetDefault("scheduler.tasks.health_check", cfg.Scheduler.Tasks.HealthCheck)
	v.SetDefault("scheduler.tasks.reconcile", cfg.Scheduler.Tasks.Reconcile)
	v.SetDefault("scheduler.tasks.reconcile_grace", cfg.Scheduler.Tasks.ReconcileGrace)
	v.SetDefault("scheduler.tasks.reconcile_limit", cfg.Scheduler.Tasks.ReconcileLimit)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
}

// Validate normalizes cfg and returns every problem found, joined.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.normalize()
	return cfg.Validate()
}
