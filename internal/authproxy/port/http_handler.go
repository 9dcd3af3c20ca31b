// Package port exposes the auth proxy over HTTP. Handlers translate
// requests into app-layer calls; response bodies for failures always go
// through errmap so internal detail never leaks to callers.
package port

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/careportal/prescription-auth/internal/authproxy/app"
	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/errmap"
	"github.com/careportal/prescription-auth/internal/observability"
)

var tracer = otel.Tracer("authproxy/port")

// Authorizer context headers set by the gateway in front of this service.
const (
	headerUsername  = "x-cognito-username"
	headerSessionID = "x-session-id"
)

// Token request bodies are small form posts; anything larger is abuse.
const maxBodyBytes = 64 << 10

// authService is a narrow, consumer-defined interface for the operations
// the handlers require. The *app.Service satisfies this.
type authService interface {
	ExchangeToken(ctx context.Context, body string) (json.RawMessage, error)
	MintMockToken(ctx context.Context, body string) (*app.MockTokenResponse, error)
	Reconcile(ctx context.Context, rawUsername, sessionID string, action domain.SessionAction) (app.Outcome, error)
	Authenticate(ctx context.Context, rawUsername string) (*app.Identity, error)
}

// Handler serves the token-exchange and session-management endpoints.
type Handler struct {
	svc    authService
	logger *slog.Logger
}

// NewHandler creates a Handler backed by the given service.
func NewHandler(svc *app.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", h.handleToken)
	mux.HandleFunc("POST /mocktoken", h.handleMockToken)
	mux.HandleFunc("POST /session-management", h.handleSessionManagement)
	mux.Handle("GET /session", h.Authenticated(http.HandlerFunc(h.handleSession)))
	return mux
}

// handleToken forwards an OAuth2 token request to the upstream IdP and
// relays its response verbatim.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "port.token")
	defer span.End()
	logger := observability.WithTraceID(ctx, h.logger)

	body, err := readBody(w, r)
	if err != nil {
		errmap.WriteError(w, logger, err)
		return
	}

	raw, err := h.svc.ExchangeToken(ctx, body)
	if err != nil {
		errmap.WriteError(w, logger, err)
		return
	}

	writeRawJSON(w, http.StatusOK, raw, logger)
}

// handleMockToken mints a self-signed identity token for local logins.
func (h *Handler) handleMockToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "port.mock_token")
	defer span.End()
	logger := observability.WithTraceID(ctx, h.logger)

	body, err := readBody(w, r)
	if err != nil {
		errmap.WriteError(w, logger, err)
		return
	}

	resp, err := h.svc.MintMockToken(ctx, body)
	if err != nil {
		errmap.WriteError(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp, logger)
}

// sessionManagementRequest carries only the directive. Caller identity and
// session id come from the authorizer headers, never the body.
type sessionManagementRequest struct {
	Action string `json:"action"`
}

type sessionManagementResponse struct {
	Response string `json:"response,omitempty"`
	Status   string `json:"status,omitempty"`
}

// handleSessionManagement reconciles the caller's session id against stored
// records and reports the resulting session status.
func (h *Handler) handleSessionManagement(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "port.session_management")
	defer span.End()
	logger := observability.WithTraceID(ctx, h.logger)

	var req sessionManagementRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && err != io.EOF {
		errmap.WriteError(w, logger, err)
		return
	}
	span.SetAttributes(attribute.String("session.action", req.Action))

	outcome, err := h.svc.Reconcile(ctx,
		r.Header.Get(headerUsername),
		r.Header.Get(headerSessionID),
		domain.SessionAction(req.Action),
	)
	if err != nil {
		errmap.WriteError(w, logger, err)
		return
	}

	status, body := outcomeResponse(outcome)
	writeJSON(w, status, body, logger)
}

// outcomeResponse maps a reconciliation outcome to its HTTP representation.
func outcomeResponse(outcome app.Outcome) (int, sessionManagementResponse) {
	switch outcome.(type) {
	case app.OutcomeActive:
		return http.StatusOK, sessionManagementResponse{Status: string(domain.StatusActive)}
	case app.OutcomeSessionSet:
		return http.StatusAccepted, sessionManagementResponse{Response: "Session set", Status: string(domain.StatusActive)}
	case app.OutcomeSessionRemoved:
		return http.StatusOK, sessionManagementResponse{Response: "Session removed", Status: string(domain.StatusExpired)}
	default:
		return http.StatusOK, sessionManagementResponse{Response: "No action specified"}
	}
}

// sessionResponse reports the caller's current role state. The downstream
// API credential never appears here.
type sessionResponse struct {
	Username        string     `json:"username"`
	SessionID       string     `json:"sessionId"`
	SelectedRole    *app.Role  `json:"currentlySelectedRole,omitempty"`
	RolesWithAccess []app.Role `json:"rolesWithAccess"`
}

// handleSession returns the authenticated caller's session and role state.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithTraceID(ctx, h.logger)

	identity := IdentityFromContext(ctx)
	if identity == nil {
		errmap.WriteError(w, logger, domain.ErrUnauthorized)
		return
	}

	roles := identity.RolesWithAccess
	if roles == nil {
		roles = []app.Role{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Username:        identity.Username.String(),
		SessionID:       identity.SessionID,
		SelectedRole:    identity.CurrentlySelectedRole,
		RolesWithAccess: roles,
	}, logger)
}

func readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func writeRawJSON(w http.ResponseWriter, status int, raw json.RawMessage, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(raw); err != nil {
		logger.Error("write response", slog.String("error", err.Error()))
	}
}
