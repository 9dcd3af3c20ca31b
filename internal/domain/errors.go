package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Authentication errors
	ErrUnauthorized    = errors.New("authentication required")
	ErrMissingClaims   = errors.New("authorizer claims missing from request")
	ErrMockDisabled    = errors.New("mock identity provider is disabled")
	ErrSessionNotFound = errors.New("no session record matches the presented session id")
	ErrSessionExpired  = errors.New("session has expired")

	// Token errors
	ErrMissingCode      = errors.New("Code parameter is missing")
	ErrTokenExchange    = errors.New("upstream token exchange failed")
	ErrInvalidTokenBody = errors.New("token request body is not valid form data")

	// Operational errors
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrUnavailable = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
	ErrSigningKey     = errors.New("signing key could not be resolved")
)

// IsSecurityRelevant reports whether the error indicates a state-consistency
// or authentication failure that must be logged and rejected, never defaulted
// to an authenticated state.
func IsSecurityRelevant(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrMissingClaims) ||
		errors.Is(err, ErrMockDisabled) ||
		errors.Is(err, ErrSessionNotFound)
}

// clientErrors enumerates domain errors that represent client-side issues.
var clientErrors = []error{
	ErrNotFound,
	ErrUnauthorized,
	ErrMissingClaims,
	ErrMissingCode,
	ErrInvalidTokenBody,
	ErrSessionExpired,
}

// IsClientError reports whether the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
