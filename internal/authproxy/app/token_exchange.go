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

	"github.com/careportal/prescription-auth/internal/auth"
	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/observability"
)

// upstreamTokenResponse is the subset of the IdP token response the flow
// needs to key the session record. The raw body is still returned to the
// caller untouched.
type upstreamTokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
}

// MockTokenResponse mimics a standard OAuth2 token response. The access and
// refresh tokens are deliberately inert placeholders; downstream consumers
// only use the identity token.
type MockTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

const (
	mockAccessTokenPlaceholder  = "mock-access-token"
	mockRefreshTokenPlaceholder = "mock-refresh-token"
)

// ExchangeToken handles the intercepted Cognito token exchange against the
// real IdP. The form-encoded body is rewritten to carry a signed client
// assertion when configured, posted upstream, and the identity claims of the
// response are used to record the session. The upstream response body is
// returned verbatim.
func (s *Service) ExchangeToken(ctx context.Context, body string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "token.exchange")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	form, err := url.ParseQuery(body)
	if err != nil {
		err = fmt.Errorf("parse token request: %w", domain.ErrInvalidTokenBody)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.checkTokenRateLimit(ctx, form.Get("client_id")); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.cis2.SignedJWT {
		if err := s.attachClientAssertion(form); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	raw, err := s.idp.PostForm(ctx, s.cis2.TokenEndpoint, form)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "upstream_exchange")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", domain.ErrTokenExchange, err)
	}

	if err := s.recordLogin(ctx, raw, form.Get("code")); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tokenExchangesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("idp", "cis2")))
	logger.InfoContext(ctx, "token.exchanged", "idp", "cis2")

	return raw, nil
}

// attachClientAssertion replaces the client secret in the form with a signed
// client-assertion JWT. A signing-key failure is fatal, not retried.
func (s *Service) attachClientAssertion(form url.Values) error {
	assertion, err := s.signer.Sign(s.cis2.ClientID, s.cis2.TokenEndpoint)
	if err != nil {
		return err
	}

	form.Del("client_secret")
	form.Set("client_assertion_type", auth.ClientAssertionType)
	form.Set("client_assertion", assertion)
	return nil
}

// recordLogin keys the session off the upstream identity token and persists
// it. A first login writes the active mapping; a login while another session
// is active writes a draft record instead, leaving the active session
// untouched until the user resolves the conflict.
func (s *Service) recordLogin(ctx context.Context, raw json.RawMessage, apigeeCode string) error {
	var tokens upstreamTokenResponse
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return fmt.Errorf("decode upstream token response: %w", err)
	}
	if tokens.IDToken == "" {
		return fmt.Errorf("upstream response carries no identity token: %w", domain.ErrTokenExchange)
	}

	// The identity token arrived on the direct TLS response from the IdP,
	// so claims are read without signature verification here.
	claims, err := auth.DecodeUnverified(tokens.IDToken)
	if err != nil {
		return fmt.Errorf("decode upstream identity token: %w", err)
	}
	if claims.Subject == "" {
		return fmt.Errorf("upstream identity token has no subject: %w", domain.ErrMissingClaims)
	}

	username := domain.MakeUsername(domain.ProviderCIS2, claims.Subject)
	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = domain.GenerateSessionID().String()
	}

	now := s.clock.Now().UTC()
	nowMillis := domain.NowUTCMillis(s.clock)

	existing, err := s.mappings.Get(ctx, username.String())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("load token mapping: %w", err)
	}

	if existing != nil && existing.SessionID != sessionID {
		// Concurrent login: park the new session as a draft for the
		// reconciler. The active session stays authoritative.
		draft := SessionStateRecord{
			Username:   username.String(),
			SessionID:  sessionID,
			ApigeeCode: apigeeCode,
			TTL:        now.Add(domain.SessionStateTTL).Unix(),
		}
		if err := s.drafts.Put(ctx, draft); err != nil {
			return fmt.Errorf("store draft session: %w", err)
		}
		observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "session.draft_created",
			"username", username.String(),
			"session_id", sessionID,
		)
		return nil
	}

	record := TokenMappingRecord{
		Username:         username.String(),
		CIS2AccessToken:  tokens.AccessToken,
		CIS2IDToken:      tokens.IDToken,
		ApigeeCode:       apigeeCode,
		SessionID:        sessionID,
		LastActivityTime: nowMillis,
		TTL:              now.Add(domain.TokenMappingTTL).Unix(),
	}

	s.cacheRoles(ctx, &record, tokens.AccessToken)

	if err := s.mappings.Put(ctx, record); err != nil {
		return fmt.Errorf("store token mapping: %w", err)
	}

	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "session.recorded",
		"username", username.String(),
		"session_id", sessionID,
	)
	return nil
}

// cacheRoles fetches role descriptors from the userinfo endpoint and caches
// them on the record. Role lookup is best-effort at login time; a failure is
// logged and the record is written without roles.
func (s *Service) cacheRoles(ctx context.Context, record *TokenMappingRecord, accessToken string) {
	if s.userInfo == nil || s.cis2.UserInfoURL == "" || accessToken == "" {
		return
	}

	withAccess, withoutAccess, err := s.userInfo.UserInfo(ctx, s.cis2.UserInfoURL, accessToken)
	if err != nil {
		s.logger.WarnContext(ctx, "userinfo role lookup failed", "error", err)
		return
	}
	record.RolesWithAccess = withAccess
	record.RolesWithoutAccess = withoutAccess
}

// MintMockToken stands in for the real IdP during non-production logins.
// The presented authorization code must resolve to a previously stored
// draft session; a fresh pseudo-identity is minted against it.
func (s *Service) MintMockToken(ctx context.Context, body string) (*MockTokenResponse, error) {
	ctx, span := tracer.Start(ctx, "token.mint_mock")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	if !s.mockEnabled {
		err := domain.ErrMockDisabled
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "mock_disabled")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	form, err := url.ParseQuery(body)
	if err != nil {
		err = fmt.Errorf("parse token request: %w", domain.ErrInvalidTokenBody)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	code := form.Get("code")
	if code == "" {
		span.RecordError(domain.ErrMissingCode)
		span.SetStatus(codes.Error, domain.ErrMissingCode.Error())
		return nil, domain.ErrMissingCode
	}

	if err := s.checkTokenRateLimit(ctx, form.Get("client_id")); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	draft, err := s.drafts.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("no session state for presented code: %w", domain.ErrMissingCode)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	subject := domain.GenerateSubject()
	minted, err := s.minter.MintIdentityToken(subject, draft.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("mint identity token: %w", err)
	}

	username := domain.MakeUsername(domain.ProviderMock, subject)
	now := s.clock.Now().UTC()

	record := TokenMappingRecord{
		Username:         username.String(),
		ApigeeCode:       code,
		SessionID:        draft.SessionID,
		LastActivityTime: domain.NowUTCMillis(s.clock),
		TTL:              now.Add(domain.TokenMappingTTL).Unix(),
	}
	if err := s.mappings.Put(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store token mapping: %w", err)
	}

	mockTokensMintedTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("session.id", draft.SessionID))
	logger.InfoContext(ctx, "token.mock_minted",
		"username", username.String(),
		"session_id", draft.SessionID,
		"jti", minted.JTI,
	)

	return &MockTokenResponse{
		AccessToken:  mockAccessTokenPlaceholder,
		RefreshToken: mockRefreshTokenPlaceholder,
		IDToken:      minted.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(domain.IdentityTokenLifetime.Seconds()),
	}, nil
}

// checkTokenRateLimit enforces the fixed-window limit on the token
// endpoints, keyed by client id.
func (s *Service) checkTokenRateLimit(ctx context.Context, clientID string) error {
	if s.rateLimiter == nil || s.rateLimit <= 0 {
		return nil
	}
	if clientID == "" {
		clientID = "anonymous"
	}

	allowed, err := s.rateLimiter.CheckAndIncrement(
		ctx,
		"token:client:"+clientID,
		s.rateLimit,
		int(s.rateLimitWindow.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("check token rate limit: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if !allowed {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", "token"),
			attribute.String("limit_type", "client"),
		))
		return domain.ErrRateLimited
	}
	return nil
}
