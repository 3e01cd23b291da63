package httpapi

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"inferd/internal/backend"
	"inferd/internal/chat"
	"inferd/internal/scheduler"
	"inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case scheduler.IsModelNotFound(err), scheduler.IsInstanceNotFound(err):
		return http.StatusNotFound
	case scheduler.IsTooBusy(err):
		return http.StatusTooManyRequests
	case backend.IsInvalidBackend(err), scheduler.IsInvalidModelDefinition(err),
		errors.Is(err, chat.ErrEmptyConversation), errors.Is(err, chat.ErrNothingToAnswer):
		return http.StatusBadRequest
	case backend.IsDependencyUnavailable(err), errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
