package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// SuccessResponse represents a successful response with data
type SuccessResponse struct {
	Data      any    `json:"data"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func success(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, SuccessResponse{Data: data, RequestID: RequestIDFromContext(r.Context())})
}

func failure(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	status, resp := MapError(r.Context(), err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "request_id", resp.RequestID, "error", err)
	}
	writeJSON(w, status, resp)
}

// decode reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decode(r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return nil
	}
	body := io.Reader(r.Body)
	if maxBytes > 0 {
		body = io.LimitReader(r.Body, maxBytes+1)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return fmt.Errorf("%w: request body exceeds %d bytes", errBadRequest, maxBytes)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}
