// Package alert forwards health reports and dead-letter events to external
// notification channels. Delivery is best effort: failures are logged and
// never retried.
package alert

import (
	"context"
	"time"

	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/monitor"
)

// Kind identifies the event behind a notification.
type Kind string

const (
	KindHealth     Kind = "health"
	KindDeadLetter Kind = "dead_letter"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is the payload delivered to every sink.
type Notification struct {
	Kind       Kind               `json:"kind"`
	Severity   Severity           `json:"severity"`
	Title      string             `json:"title"`
	Summary    string             `json:"summary"`
	DeadLetter *deadletter.Record `json:"dead_letter,omitempty"`
	Health     *monitor.Report    `json:"health,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Sink delivers notifications to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}
