package pipeline

import (
	"strings"
	"time"
)

// PriorityRule resolves the priority of concurrent enqueues of one stage.
type PriorityRule string

const (
	PriorityMax      PriorityRule = "max"
	PriorityLatest   PriorityRule = "latest"
	PriorityPreserve PriorityRule = "preserve"
)

// AvailabilityRule resolves available_at of concurrent enqueues.
type AvailabilityRule string

const (
	AvailabilityLatest   AvailabilityRule = "latest"
	AvailabilityEarliest AvailabilityRule = "earliest"
	AvailabilityPreserve AvailabilityRule = "preserve"
)

// VisibilityRule resolves visibility_timeout_seconds of concurrent enqueues.
type VisibilityRule string

const (
	VisibilityLatest   VisibilityRule = "latest"
	VisibilityPreserve VisibilityRule = "preserve"
)

// UpsertPolicy decides how an enqueue merges into an existing stage row.
// The priority rule always applies. The availability and visibility rules
// apply only while the existing row is still queued, that is when two
// enqueues race; a stage coming back from processing, pending or failed
// always takes the incoming values. attempt_count is never reset by an
// enqueue.
type UpsertPolicy struct {
	Priority     PriorityRule     `mapstructure:"priority"`
	Availability AvailabilityRule `mapstructure:"availability"`
	Visibility   VisibilityRule   `mapstructure:"visibility"`
}

// DefaultUpsertPolicy is max priority, latest availability and latest
// visibility.
func DefaultUpsertPolicy() UpsertPolicy {
	return UpsertPolicy{
		Priority:     PriorityMax,
		Availability: AvailabilityLatest,
		Visibility:   VisibilityLatest,
	}
}

func (p UpsertPolicy) normalized() UpsertPolicy {
	def := DefaultUpsertPolicy()
	p.Priority = PriorityRule(strings.ToLower(strings.TrimSpace(string(p.Priority))))
	p.Availability = AvailabilityRule(strings.ToLower(strings.TrimSpace(string(p.Availability))))
	p.Visibility = VisibilityRule(strings.ToLower(strings.TrimSpace(string(p.Visibility))))
	if p.Priority == "" {
		p.Priority = def.Priority
	}
	if p.Availability == "" {
		p.Availability = def.Availability
	}
	if p.Visibility == "" {
		p.Visibility = def.Visibility
	}
	return p
}

// Validate rejects unknown rules.
func (p UpsertPolicy) Validate() error {
	n := p.normalized()
	switch n.Priority {
	case PriorityMax, PriorityLatest, PriorityPreserve:
	default:
		return pipelineError(ErrValidation, "unknown priority rule "+string(p.Priority))
	}
	switch n.Availability {
	case AvailabilityLatest, AvailabilityEarliest, AvailabilityPreserve:
	default:
		return pipelineError(ErrValidation, "unknown availability rule "+string(p.Availability))
	}
	switch n.Visibility {
	case VisibilityLatest, VisibilityPreserve:
	default:
		return pipelineError(ErrValidation, "unknown visibility rule "+string(p.Visibility))
	}
	return nil
}

// StageUpsert carries the incoming values of one enqueue.
type StageUpsert struct {
	JobID                    string
	Stage                    string
	Queue                    string
	Payload                  []byte
	Priority                 int
	AvailableAt              time.Time
	VisibilityTimeoutSeconds int
	MaxAttempts              int
	RetryDelaySeconds        int
	Now                      time.Time
}

// merge applies the policy to existing (nil when the row is new) and
// returns the resulting row.
func (p UpsertPolicy) merge(existing *StageState, in StageUpsert) *StageState {
	p = p.normalized()
	if existing == nil {
		return &StageState{
			JobID:                    in.JobID,
			Stage:                    in.Stage,
			Queue:                    in.Queue,
			Status:                   StageQueued,
			Payload:                  append([]byte(nil), in.Payload...),
			MaxAttempts:              in.MaxAttempts,
			RetryDelaySeconds:        in.RetryDelaySeconds,
			Priority:                 in.Priority,
			VisibilityTimeoutSeconds: in.VisibilityTimeoutSeconds,
			AvailableAt:              in.AvailableAt,
			LastQueuedAt:             timePtr(in.Now),
			CreatedAt:                in.Now,
			UpdatedAt:                in.Now,
		}
	}

	merged := cloneStage(existing)
	racing := existing.Status == StageQueued

	switch p.Priority {
	case PriorityMax:
		merged.Priority = max(existing.Priority, in.Priority)
	case PriorityLatest:
		merged.Priority = in.Priority
	}

	merged.AvailableAt = in.AvailableAt
	if racing {
		switch p.Availability {
		case AvailabilityEarliest:
			if existing.AvailableAt.Before(in.AvailableAt) {
				merged.AvailableAt = existing.AvailableAt
			}
		case AvailabilityPreserve:
			merged.AvailableAt = existing.AvailableAt
		}
	}

	merged.VisibilityTimeoutSeconds = in.VisibilityTimeoutSeconds
	if racing && p.Visibility == VisibilityPreserve {
		merged.VisibilityTimeoutSeconds = existing.VisibilityTimeoutSeconds
	}

	merged.Status = StageQueued
	merged.Queue = in.Queue
	if len(in.Payload) > 0 {
		merged.Payload = append([]byte(nil), in.Payload...)
	}
	if in.MaxAttempts > 0 {
		merged.MaxAttempts = in.MaxAttempts
	}
	if in.RetryDelaySeconds > 0 {
		merged.RetryDelaySeconds = in.RetryDelaySeconds
	}
	merged.VisibleUntil = nil
	merged.FinishedAt = nil
	merged.LastQueuedAt = timePtr(in.Now)
	merged.UpdatedAt = in.Now
	return merged
}
