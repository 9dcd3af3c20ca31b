// Package errmap is the single translation layer between domain errors and
// HTTP responses. Handlers log the full error internally and delegate the
// response body to this package, so internal detail never reaches a caller.
package errmap

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/careportal/prescription-auth/internal/domain"
)

// SystemErrorMessage is the only error text external callers ever see for
// an internal failure.
const SystemErrorMessage = "A system error has occurred"

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Body       any
}

// genericBody is the uniform external error payload.
type genericBody struct {
	Message string `json:"message"`
}

// httpMapping defines a domain error to HTTP response mapping.
type httpMapping struct {
	err        error
	statusCode int
	body       any
}

// httpMappings maps domain errors to HTTP responses.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// A request belonging to no known session lineage gets a bare 500 {}.
	{domain.ErrSessionNotFound, http.StatusInternalServerError, struct{}{}},

	// Throttled token requests are the one failure callers may retry.
	{domain.ErrRateLimited, http.StatusTooManyRequests, genericBody{Message: "Too many requests"}},
}

// ToHTTPError converts a domain error to an HTTP error. Anything unmapped —
// configuration, upstream protocol, and state-consistency failures alike —
// collapses to the fixed system-error message so no internal detail leaks.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Body: m.body}
		}
	}
	return HTTPError{
		StatusCode: http.StatusInternalServerError,
		Body:       genericBody{Message: SystemErrorMessage},
	}
}

// WriteError logs the full error and writes the mapped, non-revealing
// response. State-consistency failures are logged at warn level since they
// are security-relevant; everything else is an error.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if domain.IsSecurityRelevant(err) {
		logger.Warn("request rejected", slog.String("error", err.Error()))
	} else {
		logger.Error("request failed", slog.String("error", err.Error()))
	}

	he := ToHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.StatusCode)
	if encErr := json.NewEncoder(w).Encode(he.Body); encErr != nil {
		logger.Error("encode error response", slog.String("error", encErr.Error()))
	}
}
