package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/nimburion/conveyor/pkg/alert"
	"github.com/nimburion/conveyor/pkg/observability/logger"
	"github.com/nimburion/conveyor/pkg/queue"
)

func (c *Config) normalize() {
	c.Database.Type = strings.ToLower(strings.TrimSpace(c.Database.Type))
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.Dispatcher.Source = strings.ToLower(strings.TrimSpace(c.Dispatcher.Source))
	c.EventBus.Type = strings.ToLower(strings.TrimSpace(c.EventBus.Type))
	c.Scheduler.LockProvider = strings.ToLower(strings.TrimSpace(c.Scheduler.LockProvider))
	c.EventBus.Kafka.Brokers = normalizeStringSlice(c.EventBus.Kafka.Brokers)
	c.Alerts.Email.To = normalizeStringSlice(c.Alerts.Email.To)
	if c.Scheduler.Tasks.RollupWindow <= 0 {
		c.Scheduler.Tasks.RollupWindow = c.Monitor.RollupWindow
	}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if _, err := logger.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logger.ParseLogFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	switch c.Database.Type {
	case DatabaseTypeMemory:
	case DatabaseTypePostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("database.url is required when database.type is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid database.type: %s (must be one of: %v)", c.Database.Type, []string{DatabaseTypeMemory, DatabaseTypePostgres}))
	}

	errs = append(errs, c.validateQueue()...)

	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	errs = append(errs, c.validateDispatcher()...)

	if c.Worker.Concurrency < 0 || c.Worker.BatchSize < 0 {
		errs = append(errs, errors.New("worker.concurrency and worker.batch_size must not be negative"))
	}

	if c.Monitor.Thresholds.DurationSeconds <= 0 {
		errs = append(errs, errors.New("monitor.thresholds.duration_seconds must be positive"))
	}
	if c.Monitor.Thresholds.ErrorRate <= 0 || c.Monitor.Thresholds.ErrorRate > 1 {
		errs = append(errs, errors.New("monitor.thresholds.error_rate must be in (0, 1]"))
	}
	if c.Monitor.Thresholds.QueueDepth <= 0 {
		errs = append(errs, errors.New("monitor.thresholds.queue_depth must be positive"))
	}

	errs = append(errs, c.validateAlerts()...)

	switch c.EventBus.Type {
	case "":
	case EventBusTypeKafka:
		if len(c.EventBus.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("eventbus.kafka.brokers is required for Kafka"))
		}
	case EventBusTypeRabbitMQ:
		if strings.TrimSpace(c.EventBus.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("eventbus.rabbitmq.url is required for RabbitMQ"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid eventbus.type: %s (must be one of: %v)", c.EventBus.Type, []string{EventBusTypeKafka, EventBusTypeRabbitMQ}))
	}

	if c.Scheduler.Enabled {
		switch c.Scheduler.LockProvider {
		case SchedulerLockProviderRedis:
			if strings.TrimSpace(c.Scheduler.Redis.URL) == "" {
				errs = append(errs, errors.New("scheduler.redis.url is required for the redis lock provider"))
			}
		case SchedulerLockProviderPostgres:
			if !c.Database.IsPostgres() {
				errs = append(errs, errors.New("the postgres scheduler lock provider requires database.type postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid scheduler.lock_provider: %s (must be one of: %v)", c.Scheduler.LockProvider, []string{SchedulerLockProviderRedis, SchedulerLockProviderPostgres}))
		}
	}

	if err := c.Tracer("").Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	return errors.Join(errs...)
}

func (c *Config) validateQueue() []error {
	var errs []error
	switch c.Queue.Backend {
	case queue.BackendMemory:
	case queue.BackendPostgres:
		if !c.Database.IsPostgres() {
			errs = append(errs, errors.New("queue.backend postgres requires database.type postgres"))
		}
	case queue.BackendRedis:
		if strings.TrimSpace(c.Queue.Redis.URL) == "" {
			errs = append(errs, errors.New("queue.redis.url is required for the redis queue"))
		}
	case queue.BackendSQS:
		if strings.TrimSpace(c.Queue.SQS.Region) == "" {
			errs = append(errs, errors.New("queue.sqs.region is required for the sqs queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid queue.backend: %s (must be one of: %v)", c.Queue.Backend,
			[]string{queue.BackendMemory, queue.BackendPostgres, queue.BackendRedis, queue.BackendSQS}))
	}
	return errs
}

func (c *Config) validateDispatcher() []error {
	var errs []error
	if c.Dispatcher.Interval <= 0 {
		errs = append(errs, errors.New("dispatcher.interval must be positive"))
	}
	if c.Dispatcher.RateLimit < 0 {
		errs = append(errs, errors.New("dispatcher.rate_limit must not be negative"))
	}
	switch c.Dispatcher.Source {
	case "static":
	case "file":
		if strings.TrimSpace(c.Dispatcher.File) == "" {
			errs = append(errs, errors.New("dispatcher.file is required for the file stage source"))
		}
	case "postgres":
		if !c.Database.IsPostgres() {
			errs = append(errs, errors.New("the postgres stage source requires database.type postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid dispatcher.source: %s (must be one of: %v)", c.Dispatcher.Source, []string{"static", "file", "postgres"}))
	}
	seen := make(map[string]bool, len(c.Dispatcher.Stages))
	for i, stage := range c.Dispatcher.Stages {
		if err := stage.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher.stages[%d]: %w", i, err))
		}
		if seen[stage.Stage] {
			errs = append(errs, fmt.Errorf("dispatcher.stages[%d]: duplicate stage %q", i, stage.Stage))
		}
		seen[stage.Stage] = true
	}
	return errs
}

func (c *Config) validateAlerts() []error {
	var errs []error
	severities := []alert.Severity{alert.SeverityInfo, alert.SeverityWarning, alert.SeverityCritical}
	if !slices.Contains(severities, c.Alerts.MinSeverity) {
		errs = append(errs, fmt.Errorf("invalid alerts.min_severity: %s (must be one of: %v)", c.Alerts.MinSeverity, severities))
	}
	if c.Alerts.EventBusTopic != "" && c.EventBus.Type == "" {
		errs = append(errs, errors.New("alerts.eventbus_topic requires eventbus.type"))
	}
	if email := c.Alerts.Email; email.Host != "" {
		if email.From == "" {
			errs = append(errs, errors.New("alerts.email.from is required when alerts.email.host is set"))
		}
		if len(email.To) == 0 {
			errs = append(errs, errors.New("alerts.email.to is required when alerts.email.host is set"))
		}
	}
	return errs
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.Value{}, "")
}

// Redacted returns the configuration with secrets masked.
// Pass the secrets Config returned by LoadWithSecrets() to mask those values.
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		return c.String()
	}
	return formatStruct(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

// formatStruct renders v as indented key: value lines. Leaf values whose
// counterpart in mask is set print as ***.
func formatStruct(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanInterface() {
			continue
		}
		tag := field.Tag.Get("mapstructure")
		if tag == "-" {
			continue
		}
		name := field.Name
		if tag != "" {
			name = tag
		}
		var maskValue reflect.Value
		if mask.IsValid() {
			maskValue = mask.Field(i)
		}

		switch value.Kind() {
		case reflect.Struct:
			fmt.Fprintf(&sb, "%s%s:\n", prefix, name)
			sb.WriteString(formatStruct(value, maskValue, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				fmt.Fprintf(&sb, "%s%s: []\n", prefix, name)
				continue
			}
			fmt.Fprintf(&sb, "%s%s:\n", prefix, name)
			for j := 0; j < value.Len(); j++ {
				fmt.Fprintf(&sb, "%s  - %v\n", prefix, masked(value.Index(j).Interface(), maskValue))
			}
		case reflect.Map:
			if value.Len() == 0 {
				fmt.Fprintf(&sb, "%s%s: {}\n", prefix, name)
				continue
			}
			fmt.Fprintf(&sb, "%s%s:\n", prefix, name)
			keys := value.MapKeys()
			slices.SortFunc(keys, func(a, b reflect.Value) int {
				return strings.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
			})
			for _, key := range keys {
				fmt.Fprintf(&sb, "%s  %v: %v\n", prefix, key.Interface(), masked(value.MapIndex(key).Interface(), maskValue))
			}
		default:
			fmt.Fprintf(&sb, "%s%s: %v\n", prefix, name, masked(value.Interface(), maskValue))
		}
	}

	return sb.String()
}

func masked(value any, mask reflect.Value) any {
	if shouldRedact(mask) {
		return "***"
	}
	return value
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}
