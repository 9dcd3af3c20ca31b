package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/careportal/prescription-auth/internal/auth"
	"github.com/careportal/prescription-auth/internal/authproxy/adapter"
	"github.com/careportal/prescription-auth/internal/authproxy/app"
	"github.com/careportal/prescription-auth/internal/authproxy/port"
	"github.com/careportal/prescription-auth/internal/config"
	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/dynamo"
	"github.com/careportal/prescription-auth/internal/redis"
)

// setup is the authproxy composition root. It creates infrastructure
// clients, adapters, the auth service, and the HTTP routes.
func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func(context.Context) error, error) {
	// 1. Infrastructure clients.
	dynamoClient, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.DynamoDB.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("authproxy setup: create dynamo client: %w", err)
	}

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	// 2. Adapters.
	clock := domain.RealClock{}
	mappingStore := adapter.NewMappingStore(dynamoClient.DB, cfg.Tables.Mappings)
	draftStore := adapter.NewDraftStore(dynamoClient.DB, cfg.Tables.Sessions)
	transactor := adapter.NewTransactor(dynamoClient.DB, cfg.Tables.Mappings, cfg.Tables.Sessions)
	rateLimiter := adapter.NewRateLimiter(redisClient.RDB)
	idpClient := adapter.NewIdPClient(&http.Client{Timeout: domain.UpstreamTimeout})

	// 3. Signing key material (environment-dependent).
	keyStore, err := createKeyStore(ctx, cfg, clock, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("authproxy setup: create key store: %w", err)
	}

	// 4. Token signing.
	signer := auth.NewAssertionSigner(keyStore, clock)
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore: keyStore,
		Issuer:   cfg.Mock.Issuer,
		Audience: cfg.Mock.Audience,
		Clock:    clock,
	})

	// 5. Auth service.
	svc := app.NewService(app.ServiceConfig{
		Mappings:    mappingStore,
		Drafts:      draftStore,
		Transactor:  transactor,
		RateLimiter: rateLimiter,
		IdP:         idpClient,
		UserInfo:    idpClient,
		Signer:      signer,
		Minter:      minter,
		CIS2: app.IdPConfig{
			Issuer:        cfg.CIS2.Issuer,
			ClientID:      cfg.CIS2.Client,
			TokenEndpoint: cfg.CIS2.Token,
			UserInfoURL:   cfg.CIS2.UserInfo,
			SignedJWT:     cfg.CIS2.SignedJWT,
		},
		MockEnabled:     cfg.Mock.Enabled,
		RateLimit:       cfg.RateLimit.Limit,
		RateLimitWindow: cfg.RateLimit.Window,
		Clock:           clock,
		Logger:          logger,
	})

	// 6. HTTP routes.
	handler := port.NewHandler(svc, logger)

	logger.InfoContext(ctx, "authproxy service initialized",
		slog.Bool("mock_idp", cfg.Mock.Enabled),
		slog.Bool("signed_jwt", cfg.CIS2.SignedJWT),
	)

	cleanup := func(_ context.Context) error {
		return redisClient.Close()
	}

	return handler.Routes(), cleanup, nil
}

// createKeyStore returns the appropriate key store for the environment.
// Local: generates an ephemeral RSA key pair (no AWS dependency).
// Everywhere else: loads from AWS Secrets Manager + SSM Parameter Store.
func createKeyStore(ctx context.Context, cfg *config.Config, clock domain.Clock, logger *slog.Logger) (auth.KeyStore, error) {
	if cfg.IsLocal() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev RSA key: %w", err)
		}
		logger.Info("using ephemeral RSA key for local development", slog.String("key_id", "dev-key-001"))
		return auth.NewStaticKeyStore(key, "dev-key-001"), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return adapter.NewAWSKeyStore(ctx,
		secretsmanager.NewFromConfig(awsCfg),
		awsssm.NewFromConfig(awsCfg),
		clock,
	)
}
