// Package queue implements the durable at-least-once queue used to hand
// stage work to workers.
//
// Every backend offers visibility-timeout semantics: a dequeued message is
// hidden from other consumers until it is archived or its visibility
// deadline passes, at which point it becomes deliverable again.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const (
	// DefaultVisibilityTimeout applies when a caller passes a non-positive
	// visibility timeout.
	DefaultVisibilityTimeout = 30 * time.Second
	// MaxBatchSize bounds a single DequeueBatch call.
	MaxBatchSize = 100
)

// Message is the envelope carried by the queue for one stage execution.
type Message struct {
	JobID       string          `json:"job_id"`
	Stage       string          `json:"stage"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	AvailableAt time.Time       `json:"available_at"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Validate checks the routing fields of the message.
func (m Message) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return queueError(ErrValidation, "message job_id is required")
	}
	if strings.TrimSpace(m.Stage) == "" {
		return queueError(ErrValidation, "message stage is required")
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return queueError(ErrValidation, "message payload must be valid JSON")
	}
	return nil
}

// Delivery is one dequeued copy of a message. ID is the handle accepted by
// ExtendVisibility and Archive.
type Delivery struct {
	ID           string
	Queue        string
	Message      Message
	ReadCount    int
	VisibleUntil time.Time
}

// Queue is the durable queue contract.
type Queue interface {
	// Create provisions a queue; creating an existing queue is a no-op.
	Create(ctx context.Context, queue string) error
	// Enqueue stores msg and makes it visible after delay. It returns the
	// backend message id.
	Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) (string, error)
	// Dequeue pops one visible message and hides it for visibility. It
	// returns nil, nil when nothing is visible and never waits for work.
	Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error)
	// DequeueBatch pops up to size visible messages.
	DequeueBatch(ctx context.Context, queue string, visibility time.Duration, size int) ([]*Delivery, error)
	// ExtendVisibility sets the hidden period of an in-flight message to
	// timeout from now and returns the new deadline. Backends without
	// support return ErrExtendUnsupported.
	ExtendVisibility(ctx context.Context, queue, msgID string, timeout time.Duration) (time.Time, error)
	// Archive permanently acknowledges a message. Unknown ids are ignored.
	Archive(ctx context.Context, queue, msgID string) error
	// ArchiveBatch acknowledges several messages.
	ArchiveBatch(ctx context.Context, queue string, msgIDs []string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

func validateQueueName(queue string) (string, error) {
	trimmed := strings.TrimSpace(queue)
	if trimmed == "" {
		return "", queueError(ErrValidation, "queue name is required")
	}
	if strings.ContainsAny(trimmed, " \t\n{}") {
		return "", queueError(ErrValidation, "queue name contains invalid characters")
	}
	return trimmed, nil
}

func normalizeVisibility(visibility time.Duration) time.Duration {
	if visibility <= 0 {
		return DefaultVisibilityTimeout
	}
	return visibility
}

func normalizeBatchSize(size int) int {
	if size <= 0 {
		return 1
	}
	if size > MaxBatchSize {
		return MaxBatchSize
	}
	return size
}

func normalizeDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	return delay
}
