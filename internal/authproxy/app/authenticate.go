package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/observability"
)

// Identity is the authenticated caller context injected into downstream
// request handlers.
type Identity struct {
	Username              domain.Username
	SessionID             string
	ApigeeAccessToken     string
	RolesWithAccess       []Role
	CurrentlySelectedRole *Role
}

// apigeeTokenResponse is the downstream token endpoint's reply to a refresh.
type apigeeTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// Authenticate validates the caller's identity before any business handler
// runs and opportunistically refreshes the downstream API token.
//
// It fails closed: a missing username, an unknown provider prefix, a mock
// identity while mock mode is off, or an unrefreshable downstream token all
// reject the whole request. Every successful authentication bumps
// lastActivityTime.
func (s *Service) Authenticate(ctx context.Context, rawUsername string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "auth.authenticate")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	username, err := domain.NewUsername(rawUsername)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "missing_claims")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if username.IsMock() && !s.mockEnabled {
		err := fmt.Errorf("user %s: %w", username, domain.ErrMockDisabled)
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "mock_disabled")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	mapping, err := s.mappings.Get(ctx, username.String())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("no token mapping for %s: %w", username, domain.ErrUnauthorized)
			authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_user")))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := domain.NowUTCMillis(s.clock)

	if s.needsRefresh(mapping, now) {
		if err := s.refreshApigeeToken(ctx, username, mapping, now); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	} else if err := s.mappings.Touch(ctx, username.String(), now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("update last activity: %w", err)
	}

	logger.DebugContext(ctx, "auth.authenticated",
		"username", username.String(),
		"session_id", mapping.SessionID,
	)

	return &Identity{
		Username:              username,
		SessionID:             mapping.SessionID,
		ApigeeAccessToken:     mapping.ApigeeAccessToken,
		RolesWithAccess:       mapping.RolesWithAccess,
		CurrentlySelectedRole: mapping.CurrentlySelectedRole,
	}, nil
}

// needsRefresh reports whether the cached downstream credential is missing
// or within the expiry margin.
func (s *Service) needsRefresh(mapping *TokenMappingRecord, nowMillis int64) bool {
	if mapping.ApigeeAccessToken == "" {
		return true
	}
	return nowMillis >= mapping.ApigeeExpiresIn-domain.ApigeeExpiryMargin.Milliseconds()
}

// refreshApigeeToken performs a fresh exchange for the downstream API
// credential and writes it back before the request continues. Mock
// identities replay the stored authorization code; real identities present
// their upstream access token via a token-exchange grant with a signed
// client assertion.
func (s *Service) refreshApigeeToken(ctx context.Context, username domain.Username, mapping *TokenMappingRecord, nowMillis int64) error {
	form := url.Values{}
	if username.IsMock() {
		form.Set("grant_type", "authorization_code")
		form.Set("code", mapping.ApigeeCode)
		form.Set("client_id", s.cis2.ClientID)
	} else {
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:token-exchange")
		form.Set("subject_token", mapping.CIS2AccessToken)
		form.Set("subject_token_type", "urn:ietf:params:oauth:token-type:access_token")
		if s.cis2.SignedJWT {
			if err := s.attachClientAssertion(form); err != nil {
				return err
			}
		}
		form.Set("client_id", s.cis2.ClientID)
	}

	raw, err := s.idp.PostForm(ctx, s.cis2.TokenEndpoint, form)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "apigee_refresh")))
		return fmt.Errorf("%w: %w", domain.ErrTokenExchange, err)
	}

	var tokens apigeeTokenResponse
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return fmt.Errorf("decode apigee token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("apigee response carries no access token: %w", domain.ErrTokenExchange)
	}

	validity := domain.DefaultApigeeExpiry.Milliseconds()
	if tokens.ExpiresIn > 0 {
		validity = tokens.ExpiresIn * 1000
	}

	update := CredentialUpdate{
		ApigeeAccessToken: tokens.AccessToken,
		ApigeeExpiresIn:   nowMillis + validity,
		LastActivityTime:  nowMillis,
	}
	if err := s.mappings.UpdateCredentials(ctx, username.String(), update); err != nil {
		return fmt.Errorf("store refreshed credential: %w", err)
	}

	mapping.ApigeeAccessToken = update.ApigeeAccessToken
	mapping.ApigeeExpiresIn = update.ApigeeExpiresIn
	mapping.LastActivityTime = update.LastActivityTime

	apigeeRefreshesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("idp", string(username.Provider())),
	))
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "auth.apigee_refreshed",
		"username", username.String(),
	)
	return nil
}
