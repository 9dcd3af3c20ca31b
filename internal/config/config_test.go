package config_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careportal/prescription-auth/internal/config"
	"github.com/careportal/prescription-auth/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8080, cfg.Port)

	// Mock IdP is off unless explicitly switched on
	assert.False(t, cfg.Mock.Enabled)

	// Session and rate-limit policy defaults
	assert.Equal(t, domain.SessionIdleTimeout, cfg.Sessions.IdleTimeout)
	assert.Equal(t, domain.TokenRequestRateLimit, cfg.RateLimit.Limit)
	assert.Equal(t, domain.TokenRequestRateWindow, cfg.RateLimit.Window)

	// Table defaults
	assert.Equal(t, "token_mappings", cfg.Tables.Mappings)
	assert.Equal(t, "session_management", cfg.Tables.Sessions)

	// Infrastructure defaults
	assert.Equal(t, domain.DynamoDBTimeout, cfg.DynamoDB.Timeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, domain.RedisTimeout, cfg.Redis.Timeout)
	assert.Equal(t, "eu-west-2", cfg.AWS.Region)
}

func TestIsLocal(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{"local returns true", "local", true},
		{"prod returns false", "prod", false},
		{"dev returns false", "dev", false},
		{"empty returns false", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}

			assert.Equal(t, tt.want, cfg.IsLocal())
		})
	}
}

func TestIsProd(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{"prod returns true", "prod", true},
		{"local returns false", "local", false},
		{"dev returns false", "dev", false},
		{"empty returns false", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}

			assert.Equal(t, tt.want, cfg.IsProd())
		})
	}
}

func setProdIdPEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "prod")
	t.Setenv("CIS2_ISSUER", "https://idp.example/realms/prod")
	t.Setenv("CIS2_CLIENT", "prescription-client")
	t.Setenv("CIS2_TOKEN", "https://idp.example/oauth2/token")
}

func TestValidateRequired_LocalAllowsMissingFields(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")

	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Environment)
}

func TestValidateRequired_ProdRequiresIdPIssuer(t *testing.T) {
	t.Setenv("ENVIRONMENT", "prod")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "cis2.issuer")
}

func TestValidateRequired_ProdRequiresClient(t *testing.T) {
	t.Setenv("ENVIRONMENT", "prod")
	t.Setenv("CIS2_ISSUER", "https://idp.example/realms/prod")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "cis2.client")
}

func TestValidateRequired_ProdRequiresMappingsTable(t *testing.T) {
	setProdIdPEnv(t)
	t.Setenv("TABLES_MAPPINGS", "")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "tables.mappings")
}

func TestValidateRequired_ProdRejectsMockIdP(t *testing.T) {
	setProdIdPEnv(t)
	t.Setenv("MOCK_ENABLED", "true")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMockDisabled)
}

func TestLoadWithEnvOverride(t *testing.T) {
	setProdIdPEnv(t)
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("TABLES_MAPPINGS", "prod_token_mappings")

	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "https://idp.example/oauth2/token", cfg.CIS2.Token)
	assert.Equal(t, "prod_token_mappings", cfg.Tables.Mappings)
}

func TestDevAllowsMockIdP(t *testing.T) {
	setProdIdPEnv(t)
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("MOCK_ENABLED", "true")

	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.True(t, cfg.Mock.Enabled)
}
