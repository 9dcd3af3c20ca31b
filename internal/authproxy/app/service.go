// Package app contains the token-exchange and session-state flows. It owns
// the business decisions (how a login becomes an active session, when a
// draft session is promoted or discarded, when the downstream credential is
// refreshed) and talks to storage and identity providers only through the
// narrow interfaces declared here.
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/careportal/prescription-auth/internal/auth"
	"github.com/careportal/prescription-auth/internal/domain"
)

var tracer = otel.Tracer("authproxy/app")

var (
	tokenExchangesTotal   metric.Int64Counter
	mockTokensMintedTotal metric.Int64Counter
	sessionOutcomesTotal  metric.Int64Counter
	apigeeRefreshesTotal  metric.Int64Counter
	authFailuresTotal     metric.Int64Counter
	rateLimitsTotal       metric.Int64Counter
)

func init() {
	m := otel.Meter("authproxy/app")

	tokenExchangesTotal, _ = m.Int64Counter("token_exchanges_total",
		metric.WithDescription("Total upstream token exchanges"))
	mockTokensMintedTotal, _ = m.Int64Counter("mock_tokens_minted_total",
		metric.WithDescription("Total mock identity tokens minted"))
	sessionOutcomesTotal, _ = m.Int64Counter("session_outcomes_total",
		metric.WithDescription("Total session reconciliation outcomes"))
	apigeeRefreshesTotal, _ = m.Int64Counter("apigee_refreshes_total",
		metric.WithDescription("Total downstream API token refreshes"))
	authFailuresTotal, _ = m.Int64Counter("security_auth_failures_total",
		metric.WithDescription("Total authentication failures"))
	rateLimitsTotal, _ = m.Int64Counter("security_rate_limits_total",
		metric.WithDescription("Total rate limit hits"))
}

// Role describes one organisational role reported by the IdP's userinfo
// endpoint.
type Role struct {
	ID      string
	Name    string
	OrgCode string
	OrgName string
}

// TokenMappingRecord is the single authoritative session record per
// username. Structurally mirrors the adapter record; the wiring layer
// converts between them.
type TokenMappingRecord struct {
	Username              string
	CIS2AccessToken       string
	CIS2IDToken           string
	ApigeeAccessToken     string
	ApigeeExpiresIn       int64 // epoch milliseconds, absolute expiry
	ApigeeCode            string
	RolesWithAccess       []Role
	RolesWithoutAccess    []Role
	CurrentlySelectedRole *Role
	SessionID             string
	LastActivityTime      int64 // epoch milliseconds
	TTL                   int64
}

// SessionStateRecord is the ephemeral draft created when a second login
// happens while a first session is still active. At most one exists per
// username; it is deleted once reconciled.
type SessionStateRecord struct {
	Username   string
	SessionID  string
	ApigeeCode string
	TTL        int64
}

// CredentialUpdate holds the refreshed downstream credential written back
// after a lazy token refresh.
type CredentialUpdate struct {
	ApigeeAccessToken string
	ApigeeExpiresIn   int64
	LastActivityTime  int64
}

// PromotionParams holds the inputs for the transactional draft-to-active
// promotion.
type PromotionParams struct {
	Username         string
	SessionID        string
	ApigeeCode       string
	LastActivityTime int64
	TTL              int64
}

// MappingStore persists and retrieves token mapping records.
type MappingStore interface {
	Get(ctx context.Context, username string) (*TokenMappingRecord, error)
	Put(ctx context.Context, record TokenMappingRecord) error
	UpdateCredentials(ctx context.Context, username string, update CredentialUpdate) error
	Touch(ctx context.Context, username string, lastActivityTime int64) error
}

// DraftStore persists and retrieves draft session records.
type DraftStore interface {
	Get(ctx context.Context, username string) (*SessionStateRecord, error)
	GetByCode(ctx context.Context, code string) (*SessionStateRecord, error)
	Put(ctx context.Context, record SessionStateRecord) error
	Delete(ctx context.Context, username string) error
}

// SessionTransactor executes the atomic draft-to-active promotion.
type SessionTransactor interface {
	PromoteDraft(ctx context.Context, params PromotionParams) error
}

// RateLimiter checks and enforces rate limits.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit, windowSeconds int) (bool, error)
}

// TokenEndpointClient posts a form-encoded token request to an OAuth2 token
// endpoint and returns the raw response body. Errors carry the upstream
// status for logging; the body is passed through untouched.
type TokenEndpointClient interface {
	PostForm(ctx context.Context, endpoint string, form url.Values) (json.RawMessage, error)
}

// UserInfoClient fetches the caller's role descriptors from the IdP's
// userinfo endpoint.
type UserInfoClient interface {
	UserInfo(ctx context.Context, endpoint, accessToken string) (rolesWithAccess, rolesWithoutAccess []Role, err error)
}

// IdPConfig holds one identity provider's endpoints as consumed by the
// flows.
type IdPConfig struct {
	Issuer        string
	ClientID      string
	TokenEndpoint string
	UserInfoURL   string

	// SignedJWT replaces the forwarded client_secret with a signed
	// client-assertion JWT.
	SignedJWT bool
}

// ServiceConfig holds the dependencies for Service.
type ServiceConfig struct {
	Mappings    MappingStore
	Drafts      DraftStore
	Transactor  SessionTransactor
	RateLimiter RateLimiter
	IdP         TokenEndpointClient
	UserInfo    UserInfoClient
	Signer      *auth.AssertionSigner
	Minter      *auth.Minter

	CIS2        IdPConfig
	MockEnabled bool

	RateLimit       int
	RateLimitWindow time.Duration

	Clock  domain.Clock
	Logger *slog.Logger
}

// Service orchestrates the four flows: token exchange, mock token minting,
// session reconciliation, and request authentication.
type Service struct {
	mappings    MappingStore
	drafts      DraftStore
	transactor  SessionTransactor
	rateLimiter RateLimiter
	idp         TokenEndpointClient
	userInfo    UserInfoClient
	signer      *auth.AssertionSigner
	minter      *auth.Minter

	cis2        IdPConfig
	mockEnabled bool

	rateLimit       int
	rateLimitWindow time.Duration

	clock  domain.Clock
	logger *slog.Logger
}

// NewService creates a new Service with the given dependencies.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		mappings:        cfg.Mappings,
		drafts:          cfg.Drafts,
		transactor:      cfg.Transactor,
		rateLimiter:     cfg.RateLimiter,
		idp:             cfg.IdP,
		userInfo:        cfg.UserInfo,
		signer:          cfg.Signer,
		minter:          cfg.Minter,
		cis2:            cfg.CIS2,
		mockEnabled:     cfg.MockEnabled,
		rateLimit:       cfg.RateLimit,
		rateLimitWindow: cfg.RateLimitWindow,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
	}
}
