package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/conveyor/pkg/eventbus"
	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// writer is the subset of *kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements eventbus.Producer for Apache Kafka.
type Producer struct {
	writer writer
	logger logger.Logger
	config Config
	dial   func(ctx context.Context, network, address string) (*kafka.Conn, error)
	mu     sync.RWMutex
	closed bool
}

// Config holds the configuration for the Kafka producer.
type Config struct {
	// Brokers is the list of Kafka broker addresses (e.g., ["localhost:9092"])
	Brokers []string `mapstructure:"brokers"`

	// OperationTimeout is the timeout for publish operations
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	// MaxRetries is the maximum number of write attempts
	MaxRetries int `mapstructure:"max_retries"`
}

func (c *Config) normalize() {
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// NewProducer creates a Kafka producer. The writer connects lazily.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	cfg.normalize()

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxRetries,
		WriteTimeout:           cfg.OperationTimeout,
		ReadTimeout:            cfg.OperationTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	log.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"operation_timeout", cfg.OperationTimeout,
	)
	return newProducer(w, cfg, log), nil
}

func newProducer(w writer, cfg Config, log logger.Logger) *Producer {
	cfg.normalize()
	return &Producer{writer: w, logger: log, config: cfg, dial: kafka.DialContext}
}

// Publish sends a single message to the specified topic. Messages with the
// same key land on the same partition.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if message == nil {
		return fmt.Errorf("message is required")
	}
	return p.PublishBatch(ctx, topic, []*eventbus.Message{message})
}

// PublishBatch sends multiple messages to the specified topic in one write.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return eventbus.ErrClosed
	}
	if len(messages) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	kafkaMessages := make([]kafka.Message, len(messages))
	for i, msg := range messages {
		kafkaMessages[i] = toKafkaMessage(topic, msg)
	}

	if err := p.writer.WriteMessages(ctx, kafkaMessages...); err != nil {
		p.logger.Error("failed to publish to kafka",
			"topic", topic,
			"batch_size", len(messages),
			"error", err,
		)
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	p.logger.Debug("kafka messages published",
		"topic", topic,
		"batch_size", len(messages),
	)
	return nil
}

// HealthCheck verifies connectivity to the first broker.
func (p *Producer) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return eventbus.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to fetch broker metadata: %w", err)
	}
	return nil
}

// Close flushes the writer. Further publishes fail with eventbus.ErrClosed.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	p.logger.Info("kafka producer closed")
	return nil
}

func toKafkaMessage(topic string, msg *eventbus.Message) kafka.Message {
	headers := convertHeaders(msg.Headers)
	if msg.ID != "" {
		headers = append(headers, kafka.Header{Key: "message_id", Value: []byte(msg.ID)})
	}
	if msg.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content_type", Value: []byte(msg.ContentType)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Timestamp,
	}
}

// convertHeaders converts eventbus headers to Kafka headers
func convertHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for key, value := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: key, Value: []byte(value)})
	}
	return kafkaHeaders
}
