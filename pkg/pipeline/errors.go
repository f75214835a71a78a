package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid arguments.
	ErrValidation = errors.New("pipeline validation error")
	// ErrNotFound classifies unknown jobs, stages or dead-letter records.
	ErrNotFound = errors.New("pipeline record not found")
	// ErrTerminal is returned when an automatic transition targets a job or
	// stage that already completed or failed.
	ErrTerminal = errors.New("pipeline record is terminal")
	// ErrConflict classifies transitions rejected by the current state.
	ErrConflict = errors.New("pipeline state conflict")
	// ErrRetryable classifies infrastructure failures the caller may retry.
	ErrRetryable = errors.New("pipeline retryable error")
)

func pipelineError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
