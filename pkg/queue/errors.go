package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid queue names, messages or arguments.
	ErrValidation = errors.New("queue validation error")
	// ErrNotFound classifies unknown queues or messages that are no longer held.
	ErrNotFound = errors.New("queue message not found")
	// ErrExtendUnsupported is returned by backends that cannot change the
	// visibility of an in-flight message.
	ErrExtendUnsupported = errors.New("queue visibility extension unsupported")
	// ErrClosed classifies operations on a closed backend.
	ErrClosed = errors.New("queue closed")
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
