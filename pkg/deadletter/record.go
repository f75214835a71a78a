// Package deadletter stores work that exhausted its retries or failed
// permanently, preserving payload and cause for inspection and replay.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reason classifies why a unit of work was dead-lettered. Callers may pass
// their own values.
type Reason string

const (
	ReasonMaxAttempts    Reason = "max_attempts_exceeded"
	ReasonNonRetryable   Reason = "non_retryable"
	ReasonAdministrative Reason = "administrative"
	ReasonInvalidMessage Reason = "invalid_message"
)

var (
	ErrValidation = errors.New("dead letter validation error")
	ErrNotFound   = errors.New("dead letter not found")
)

func deadLetterError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Record is an immutable dead-letter entry.
type Record struct {
	ID            string          `json:"id"`
	QueueName     string          `json:"queue_name"`
	MsgID         string          `json:"msg_id"`
	JobID         string          `json:"job_id"`
	Stage         string          `json:"stage"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FailureReason Reason          `json:"failure_reason"`
	ErrorDetails  json.RawMessage `json:"error_details,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	RoutedAt      time.Time       `json:"routed_at"`
}

// Validate checks the fields required to replay the record later.
func (r Record) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return deadLetterError(ErrValidation, "job_id is required")
	}
	if strings.TrimSpace(r.Stage) == "" {
		return deadLetterError(ErrValidation, "stage is required")
	}
	if strings.TrimSpace(string(r.FailureReason)) == "" {
		return deadLetterError(ErrValidation, "failure_reason is required")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return deadLetterError(ErrValidation, "payload must be valid JSON")
	}
	if len(r.ErrorDetails) > 0 && !json.Valid(r.ErrorDetails) {
		return deadLetterError(ErrValidation, "error_details must be valid JSON")
	}
	return nil
}

// ErrorDetails builds the structured error_details document for err.
func ErrorDetails(err error, extra map[string]any) json.RawMessage {
	doc := make(map[string]any, len(extra)+1)
	for key, value := range extra {
		doc[key] = value
	}
	if err != nil {
		doc["error"] = err.Error()
	}
	encoded, marshalErr := json.Marshal(doc)
	if marshalErr != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// Filter narrows List results. Zero fields are ignored.
type Filter struct {
	QueueName string
	Stage     string
	JobID     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	if f.Limit > maxListLimit {
		return maxListLimit
	}
	return f.Limit
}

func (f Filter) matches(r *Record) bool {
	if f.QueueName != "" && r.QueueName != f.QueueName {
		return false
	}
	if f.Stage != "" && r.Stage != f.Stage {
		return false
	}
	if f.JobID != "" && r.JobID != f.JobID {
		return false
	}
	if !f.Since.IsZero() && r.RoutedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.RoutedAt.Before(f.Until) {
		return false
	}
	return true
}

// Store persists dead-letter records. Records are never updated.
type Store interface {
	// Append stores record, assigning ID and RoutedAt when empty.
	Append(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns matching records, newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)
}
