package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

// ErrorResponse is the JSON body written for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// Respond writes v as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

// RespondError inspects err and writes the appropriate status code and
// ErrorResponse body. A typed error whose kind maps to 5xx is reported with a
// generic message; an untyped error is logged and reported as a 500 carrying
// its own message (no stack trace).
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		status := apierror.StatusCode(apiErr.Kind)
		if status >= 500 {
			slog.Default().ErrorContext(r.Context(), "internal error", "error", err, "path", r.URL.Path)
			Respond(w, status, ErrorResponse{
				Error:   "internal_error",
				Message: "an internal error occurred",
				Kind:    string(apiErr.Kind),
			})
			return
		}
		Respond(w, status, ErrorResponse{
			Error:   string(apiErr.Kind),
			Message: apiErr.Message,
			Kind:    string(apiErr.Kind),
		})
		return
	}

	slog.Default().ErrorContext(r.Context(), "unhandled error", "error", err, "path", r.URL.Path)
	Respond(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: err.Error(),
	})
}
