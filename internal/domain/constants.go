package domain

import "time"

// Normative limits for the token-exchange and session subsystem.
// These are compiled defaults that can be overridden via configuration
// where a config field exists.
const (
	// Token lifetimes
	ClientAssertionLifetime = 300 * time.Second // Signed client-assertion JWT validity
	IdentityTokenLifetime   = 600 * time.Second // Mock-minted identity token validity

	// Session policy
	SessionIdleTimeout  = 15 * time.Minute    // Idle threshold on lastActivityTime
	TokenMappingTTL     = 12 * time.Hour      // DynamoDB TTL for token mapping records
	SessionStateTTL     = 30 * time.Minute    // DynamoDB TTL for draft session records
	ApigeeExpiryMargin  = 30 * time.Second    // Refresh the downstream token this early
	DefaultApigeeExpiry = 10 * time.Minute    // Assumed validity when the IdP omits expires_in

	// Timeout contracts
	DynamoDBTimeout = 5 * time.Second  // Max time for DynamoDB operations
	RedisTimeout    = 2 * time.Second  // Max time for Redis operations
	UpstreamTimeout = 10 * time.Second // Max time for IdP token/userinfo calls

	// Rate limiting on the token endpoints
	TokenRequestRateLimit  = 30               // Max token requests per client per window
	TokenRequestRateWindow = 1 * time.Minute  // Fixed window for token request limiting

	// Graceful shutdown
	ShutdownDrainDelay      = 3 * time.Second  // Let the load balancer propagate removal
	ShutdownHTTPTimeout     = 20 * time.Second // Max time to drain in-flight requests
	ShutdownOTELTimeout     = 5 * time.Second  // Max time to flush telemetry
	GracefulShutdownTimeout = 30 * time.Second // Total budget for an orderly exit
)

// SessionAction is the directive carried by a session-management request.
type SessionAction string

const (
	ActionSetSession    SessionAction = "Set-Session"
	ActionRemoveSession SessionAction = "Remove-Session"
	ActionCleanSessions SessionAction = "Clean-Sessions"
)

// SessionStatus is the session state reported back to callers.
type SessionStatus string

const (
	StatusActive  SessionStatus = "Active"
	StatusExpired SessionStatus = "Expired"
)
