// Package eventbus publishes conveyor events (dispatcher invocations and
// alert notifications) to a message broker.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by producers after Close.
var ErrClosed = errors.New("eventbus: producer is closed")

// Producer defines the interface for publishing messages to topics.
type Producer interface {
	// Publish sends a single message to the specified topic.
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch sends multiple messages to the specified topic in a single operation.
	// Returns an error if any message in the batch fails to publish.
	PublishBatch(ctx context.Context, topic string, messages []*Message) error

	// HealthCheck verifies connectivity to the message broker.
	HealthCheck(ctx context.Context) error

	// Close gracefully shuts down the producer, flushing any pending messages.
	Close() error
}

// Message represents a message to be published on a topic.
type Message struct {
	// ID is a unique identifier for the message.
	ID string

	// Key is used for partitioning in systems like Kafka.
	Key string

	// Value is the serialized message payload.
	Value []byte

	// Headers contains arbitrary key-value metadata for the message.
	Headers map[string]string

	// ContentType indicates the serialization format.
	ContentType string

	// Timestamp is when the message was created.
	Timestamp time.Time
}

// ContentTypeJSON is the content type of messages built by NewJSONMessage.
const ContentTypeJSON = "application/json"

// NewJSONMessage encodes v as the message value.
func NewJSONMessage(id, key string, v any, headers map[string]string) (*Message, error) {
	if v == nil {
		return nil, errors.New("eventbus: cannot encode nil value")
	}
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("eventbus: json encoding failed: %w", err)
	}
	return &Message{
		ID:          id,
		Key:         key,
		Value:       value,
		Headers:     headers,
		ContentType: ContentTypeJSON,
		Timestamp:   time.Now().UTC(),
	}, nil
}
