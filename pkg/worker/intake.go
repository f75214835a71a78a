package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nimburion/conveyor/pkg/dispatcher"
	"github.com/nimburion/conveyor/pkg/eventbus"
)

const maxInvocationBody = 64 << 10

// HTTPHandler accepts dispatcher invocations. It answers 202 once the
// invocation is queued for background processing.
func (w *Worker) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Allow", http.MethodPost)
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxInvocationBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		inv, err := decodeInvocation(raw)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if inv.DispatchID == "" {
			inv.DispatchID = r.Header.Get("X-Dispatch-ID")
		}

		switch err := w.Submit(inv); {
		case errors.Is(err, ErrUnknownStage):
			writeJSON(rw, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrStopped):
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(rw, http.StatusAccepted, map[string]string{
				"status":      "accepted",
				"dispatch_id": inv.DispatchID,
				"stage":       inv.Stage,
			})
		}
	})
}

// HandleMessage processes an invocation published by the dispatcher's
// event bus invoker. It runs synchronously so the consumer commits only
// after the batch finished.
func (w *Worker) HandleMessage(ctx context.Context, msg *eventbus.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	inv, err := decodeInvocation(msg.Value)
	if err != nil {
		return err
	}
	_, err = w.HandleInvocation(ctx, inv)
	return err
}

func decodeInvocation(raw []byte) (dispatcher.Invocation, error) {
	var inv dispatcher.Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return inv, fmt.Errorf("%w: invalid invocation: %v", ErrValidation, err)
	}
	inv.Stage = strings.TrimSpace(inv.Stage)
	if inv.Stage == "" {
		return inv, fmt.Errorf("%w: invocation stage is required", ErrValidation)
	}
	return inv, nil
}

func writeJSON(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}
