package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"ensembled/internal/scheduler"
	"ensembled/internal/staging"
	"ensembled/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case staging.IsDependencyUnavailable(err), staging.IsUnknownModel(err):
		return http.StatusServiceUnavailable
	case scheduler.IsCanceled(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
