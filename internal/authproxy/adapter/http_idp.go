package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/careportal/prescription-auth/internal/authproxy/app"
	"github.com/careportal/prescription-auth/internal/domain"
)

// Compile-time checks: IdPClient satisfies both app-side IdP interfaces.
var (
	_ app.TokenEndpointClient = (*IdPClient)(nil)
	_ app.UserInfoClient      = (*IdPClient)(nil)
)

// prescribingActivityCode marks a role as permitted to use the prescription
// lookup APIs. Roles without it are still surfaced so the UI can explain
// why access is refused.
const prescribingActivityCode = "B0570"

// maxErrorBodyBytes bounds how much of an upstream error body is captured
// for logging.
const maxErrorBodyBytes = 2048

// httpDoer is the narrow consumer-defined interface for the HTTP client.
// *http.Client satisfies it.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// IdPClient talks to an identity provider's token and userinfo endpoints.
// It performs no retries; retrying token exchange would risk duplicate
// session creation upstream.
type IdPClient struct {
	client httpDoer
}

// NewIdPClient creates an IdPClient using the given HTTP client. The caller
// configures the client's timeout.
func NewIdPClient(client httpDoer) *IdPClient {
	return &IdPClient{client: client}
}

// PostForm posts a form-encoded token request and returns the raw response
// body. A non-2xx status is an error carrying the upstream status and a
// truncated body for internal logging.
func (c *IdPClient) PostForm(ctx context.Context, endpoint string, form url.Values) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "idp.post_form")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", endpoint))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("idp client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("idp client: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("idp client: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("idp client: %s returned %d: %s: %w",
			endpoint, resp.StatusCode, truncate(body), domain.ErrTokenExchange)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return json.RawMessage(body), nil
}

// userInfoResponse is the subset of the userinfo payload carrying role
// descriptors.
type userInfoResponse struct {
	Roles []struct {
		PersonRoleID  string   `json:"person_roleid"`
		RoleName      string   `json:"role_name"`
		OrgCode       string   `json:"org_code"`
		OrgName       string   `json:"org_name"`
		ActivityCodes []string `json:"activity_codes"`
	} `json:"nhsid_nrbac_roles"`
}

// UserInfo fetches the caller's roles and partitions them by whether they
// carry the prescribing activity code.
func (c *IdPClient) UserInfo(ctx context.Context, endpoint, accessToken string) ([]app.Role, []app.Role, error) {
	ctx, span := tracer.Start(ctx, "idp.userinfo")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", endpoint))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("idp client: build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("idp client: userinfo: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		err := fmt.Errorf("idp client: userinfo returned %d: %s", resp.StatusCode, truncate(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	var payload userInfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("idp client: decode userinfo: %w", err)
	}

	var withAccess, withoutAccess []app.Role
	for _, r := range payload.Roles {
		role := app.Role{
			ID:      r.PersonRoleID,
			Name:    r.RoleName,
			OrgCode: r.OrgCode,
			OrgName: r.OrgName,
		}
		if slices.Contains(r.ActivityCodes, prescribingActivityCode) {
			withAccess = append(withAccess, role)
		} else {
			withoutAccess = append(withoutAccess, role)
		}
	}

	return withAccess, withoutAccess, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(body)
}
