// Package config provides configuration loading using koanf.
// Precedence: environment variables over compiled defaults. The loaded
// Config is constructed once at process start and passed by reference into
// every component constructor — business logic never reads the environment.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/careportal/prescription-auth/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// HTTP listen port
	Port int `koanf:"port"`

	// Identity providers. CIS2 is the production IdP; Mock stands in for it
	// in test environments and must be explicitly enabled.
	CIS2 IdPConfig  `koanf:"cis2"`
	Mock MockConfig `koanf:"mock"`

	// Session policy
	Sessions SessionsConfig `koanf:"sessions"`

	// Token-endpoint rate limiting
	RateLimit RateLimitConfig `koanf:"ratelimit"`

	// Persisted state
	Tables TablesConfig `koanf:"tables"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// IdPConfig holds one identity provider's OIDC endpoints.
type IdPConfig struct {
	Issuer   string `koanf:"issuer"`
	Client   string `koanf:"client"`   // OAuth2 client id registered with the IdP
	Token    string `koanf:"token"`    // Token endpoint URL
	UserInfo string `koanf:"userinfo"` // Userinfo endpoint URL
	JWKS     string `koanf:"jwks"`     // JWKS endpoint URL

	// SignedJWT switches client authentication at the token endpoint from
	// the forwarded client_secret to a signed client-assertion JWT. Requires
	// resolvable signing key material.
	SignedJWT bool `koanf:"signedjwt"`
}

// MockConfig holds the mock identity provider settings.
type MockConfig struct {
	// Enabled gates every mock path: the mock token endpoint and
	// authentication of Mock_ usernames. Must be false in prod.
	Enabled bool `koanf:"enabled"`

	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
}

// SessionsConfig holds session policy settings.
type SessionsConfig struct {
	// IdleTimeout is the threshold on lastActivityTime beyond which callers
	// treat a session as idle.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// Redirect is where the UI sends a user when a concurrent login needs
	// resolving.
	Redirect string `koanf:"redirect"`
}

// RateLimitConfig holds the fixed-window limiter settings applied to the
// token endpoints.
type RateLimitConfig struct {
	Limit  int           `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

// TablesConfig names the DynamoDB tables.
type TablesConfig struct {
	Mappings string `koanf:"mappings"` // active token mapping records, keyed by username
	Sessions string `koanf:"sessions"` // draft session management records
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout  time.Duration `koanf:"timeout"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Port: 8080,

		Mock: MockConfig{
			Enabled:  false,
			Issuer:   "https://mock.idp.local/realms/local",
			Audience: "prescription-lookup",
		},

		Sessions: SessionsConfig{
			IdleTimeout: domain.SessionIdleTimeout,
		},

		RateLimit: RateLimitConfig{
			Limit:  domain.TokenRequestRateLimit,
			Window: domain.TokenRequestRateWindow,
		},

		Tables: TablesConfig{
			Mappings: "token_mappings",
			Sessions: "session_management",
		},

		DynamoDB: DynamoDBConfig{
			Timeout: domain.DynamoDBTimeout,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region: "eu-west-2",
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Required keys missing in non-local environments fail startup.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	// Load environment variables
	// Prefix: none (we use full names like CIS2_ISSUER, TABLES_MAPPINGS)
	// Delimiter: _ maps to . for nested config
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	// Local runs against LocalStack and stub endpoints, so everything has a
	// workable default.
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.CIS2.Issuer == "" {
		return fmt.Errorf("%w: cis2.issuer", domain.ErrConfigRequired)
	}
	if cfg.CIS2.Client == "" {
		return fmt.Errorf("%w: cis2.client", domain.ErrConfigRequired)
	}
	if cfg.CIS2.Token == "" {
		return fmt.Errorf("%w: cis2.token", domain.ErrConfigRequired)
	}
	if cfg.Tables.Mappings == "" {
		return fmt.Errorf("%w: tables.mappings", domain.ErrConfigRequired)
	}
	if cfg.Tables.Sessions == "" {
		return fmt.Errorf("%w: tables.sessions", domain.ErrConfigRequired)
	}

	// Mock identities must never reach production paths.
	if cfg.IsProd() && cfg.Mock.Enabled {
		return fmt.Errorf("%w: mock idp cannot be enabled in prod", domain.ErrMockDisabled)
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
