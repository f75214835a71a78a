package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/nimburion/conveyor/pkg/deadletter"
	"github.com/nimburion/conveyor/pkg/dispatcher"
	"github.com/nimburion/conveyor/pkg/monitor"
	"github.com/nimburion/conveyor/pkg/pipeline"
	"github.com/nimburion/conveyor/pkg/queue"
)

// errBadRequest classifies malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

// ErrorResponse represents the consistent error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// MapError maps tracker, queue and dispatcher errors to HTTP responses.
// Unclassified errors are reported as internal without their message.
func MapError(ctx context.Context, err error) (int, ErrorResponse) {
	status, code := classify(err)
	resp := ErrorResponse{
		Error:     errorCategory(status),
		Code:      code,
		Message:   err.Error(),
		RequestID: RequestIDFromContext(ctx),
	}
	if status == http.StatusInternalServerError {
		resp.Message = "an unexpected error occurred"
	}
	return status, resp
}

func classify(err error) (int, string) {
	switch {
	case isAny(err, errBadRequest, pipeline.ErrValidation, deadletter.ErrValidation,
		dispatcher.ErrValidation, queue.ErrValidation, monitor.ErrValidation):
		return http.StatusBadRequest, "validation.failed"
	case isAny(err, pipeline.ErrNotFound, deadletter.ErrNotFound, queue.ErrNotFound):
		return http.StatusNotFound, "resource.not_found"
	case isAny(err, pipeline.ErrTerminal):
		return http.StatusConflict, "resource.terminal"
	case isAny(err, pipeline.ErrConflict, queue.ErrExtendUnsupported):
		return http.StatusConflict, "resource.conflict"
	case isAny(err, pipeline.ErrRetryable, queue.ErrClosed, dispatcher.ErrSource):
		return http.StatusServiceUnavailable, "service.unavailable"
	default:
		return http.StatusInternalServerError, "internal.error"
	}
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorCategory(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= 500 {
			return "internal_server_error"
		}
		return "application_error"
	}
}
