package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation reports an invalid task, schedule or lock configuration.
	ErrValidation = errors.New("scheduler validation error")
	// ErrInvalidArgument reports a missing key, lease, ttl or collaborator.
	ErrInvalidArgument = errors.New("scheduler invalid argument")
	// ErrConflict reports a duplicate task or a lease held by someone else.
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound reports an unregistered task.
	ErrNotFound = errors.New("scheduler task not found")
	// ErrRetryable reports a lock backend failure worth retrying.
	ErrRetryable = errors.New("scheduler retryable error")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
