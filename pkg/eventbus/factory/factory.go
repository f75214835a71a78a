package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/conveyor/pkg/eventbus"
	"github.com/nimburion/conveyor/pkg/eventbus/kafka"
	"github.com/nimburion/conveyor/pkg/eventbus/rabbitmq"
	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// Config selects and configures one producer.
type Config struct {
	// Type is kafka or rabbitmq. Empty disables the producer.
	Type     string          `mapstructure:"type"`
	Kafka    kafka.Config    `mapstructure:"kafka"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
}

// Enabled reports whether a producer type is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Type) != ""
}

// NewProducer selects and initializes the producer named by cfg.Type.
func NewProducer(cfg Config, log logger.Logger) (eventbus.Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "kafka":
		return kafka.NewProducer(cfg.Kafka, log)
	case "rabbitmq", "amqp":
		return rabbitmq.NewProducer(cfg.RabbitMQ, log)
	default:
		return nil, fmt.Errorf("unsupported eventbus type %q (supported: kafka, rabbitmq)", cfg.Type)
	}
}
