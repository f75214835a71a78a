package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/conveyor/pkg/eventbus"
	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// channel is the subset of *amqp.Channel the producer uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// connection is the subset of *amqp.Connection the producer uses.
type connection interface {
	IsClosed() bool
	Close() error
}

// Producer implements eventbus.Producer for RabbitMQ. Topics are routing
// keys on one durable exchange.
type Producer struct {
	conn   connection
	pubCh  channel
	logger logger.Logger
	config Config
	mu     sync.Mutex
	closed bool
}

// Config holds RabbitMQ producer configuration.
type Config struct {
	URL              string        `mapstructure:"url"`
	Exchange         string        `mapstructure:"exchange"`
	ExchangeType     string        `mapstructure:"exchange_type"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

func (c *Config) normalize() {
	if c.Exchange == "" {
		c.Exchange = "conveyor"
	}
	if c.ExchangeType == "" {
		c.ExchangeType = "topic"
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 30 * time.Second
	}
}

// NewProducer connects to RabbitMQ and declares the exchange. It does not
// declare queues or bindings; consumers own those.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	cfg.normalize()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("rabbitmq producer initialized", "exchange", cfg.Exchange, "exchange_type", cfg.ExchangeType)
	return newProducer(conn, ch, cfg, log), nil
}

func newProducer(conn connection, ch channel, cfg Config, log logger.Logger) *Producer {
	cfg.normalize()
	return &Producer{conn: conn, pubCh: ch, logger: log, config: cfg}
}

// Publish sends a persistent message with topic as routing key.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if message == nil {
		return fmt.Errorf("message is required")
	}
	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return eventbus.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	publishing := amqp.Publishing{
		MessageId:    message.ID,
		ContentType:  message.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         message.Value,
		Timestamp:    message.Timestamp,
		Headers:      toAMQPHeaders(message.Headers),
	}
	if message.Key != "" {
		publishing.CorrelationId = message.Key
	}

	if err := p.pubCh.PublishWithContext(ctx, p.config.Exchange, topic, false, false, publishing); err != nil {
		p.logger.Error("failed to publish to rabbitmq", "routing_key", topic, "message_id", message.ID, "error", err)
		return fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}
	p.logger.Debug("rabbitmq message published", "routing_key", topic, "message_id", message.ID)
	return nil
}

// PublishBatch publishes messages in order and stops at the first failure.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	for _, msg := range messages {
		if err := p.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck reports whether the connection is still open.
func (p *Producer) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return eventbus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// Close releases the channel and the connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.pubCh != nil {
		if err := p.pubCh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publish channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rabbitmq close errors: %v", errs)
	}
	return nil
}

func toAMQPHeaders(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range headers {
		t[k] = v
	}
	return t
}
