package adapter

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/domain/domaintest"
)

type stubSM struct {
	getSecretValueFn func(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func (s *stubSM) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return s.getSecretValueFn(ctx, params, optFns...)
}

type stubSSM struct {
	getParameterFn        func(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
	getParametersByPathFn func(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error)
}

func (s *stubSSM) GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
	return s.getParameterFn(ctx, params, optFns...)
}

func (s *stubSSM) GetParametersByPath(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
	return s.getParametersByPathFn(ctx, params, optFns...)
}

var (
	_ smClient  = (*stubSM)(nil)
	_ ssmClient = (*stubSSM)(nil)
)

func encodePrivateKeyPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func encodePublicKeyPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// keystoreFixture wires stub AWS clients holding one signing key pair.
func keystoreFixture(t *testing.T) (*stubSM, *stubSSM, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sm := &stubSM{
		getSecretValueFn: func(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			assert.Equal(t, "oidc/signing-key/key-2026-a", *params.SecretId)
			return &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(encodePrivateKeyPEM(t, key)),
			}, nil
		},
	}
	ssm := &stubSSM{
		getParameterFn: func(_ context.Context, params *awsssm.GetParameterInput, _ ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
			assert.Equal(t, "/prescription-auth/oidc/current-key-id", *params.Name)
			return &awsssm.GetParameterOutput{
				Parameter: &ssmtypes.Parameter{Value: aws.String("key-2026-a")},
			}, nil
		},
		getParametersByPathFn: func(context.Context, *awsssm.GetParametersByPathInput, ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
			return &awsssm.GetParametersByPathOutput{
				Parameters: []ssmtypes.Parameter{
					{
						Name:  aws.String("/prescription-auth/oidc/public-keys/key-2026-a"),
						Value: aws.String(encodePublicKeyPEM(t, &key.PublicKey)),
					},
				},
			}, nil
		},
	}

	return sm, ssm, key
}

func TestAWSKeyStore_LoadsKeysAtConstruction(t *testing.T) {
	sm, ssm, key := keystoreFixture(t)
	clock := domaintest.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))

	ks, err := NewAWSKeyStore(context.Background(), sm, ssm, clock)
	require.NoError(t, err)

	priv, kid, err := ks.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, "key-2026-a", kid)
	assert.True(t, key.Equal(priv))

	pub, err := ks.PublicKey("key-2026-a")
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestAWSKeyStore_StartupFailsWithoutSigningKey(t *testing.T) {
	_, ssm, _ := keystoreFixture(t)
	sm := &stubSM{
		getSecretValueFn: func(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, errors.New("access denied")
		},
	}
	clock := domaintest.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))

	_, err := NewAWSKeyStore(context.Background(), sm, ssm, clock)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSigningKey)
}

func TestAWSKeyStore_UnknownKidTriggersRefresh(t *testing.T) {
	sm, ssm, key := keystoreFixture(t)
	clock := domaintest.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))

	ks, err := NewAWSKeyStore(context.Background(), sm, ssm, clock)
	require.NoError(t, err)

	// A rotated key appears in SSM after construction.
	rotated, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	refreshes := 0
	ssm.getParametersByPathFn = func(context.Context, *awsssm.GetParametersByPathInput, ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
		refreshes++
		return &awsssm.GetParametersByPathOutput{
			Parameters: []ssmtypes.Parameter{
				{
					Name:  aws.String("/prescription-auth/oidc/public-keys/key-2026-a"),
					Value: aws.String(encodePublicKeyPEM(t, &key.PublicKey)),
				},
				{
					Name:  aws.String("/prescription-auth/oidc/public-keys/key-2026-b"),
					Value: aws.String(encodePublicKeyPEM(t, &rotated.PublicKey)),
				},
			},
		}, nil
	}

	pub, err := ks.PublicKey("key-2026-b")
	require.NoError(t, err)
	assert.True(t, rotated.PublicKey.Equal(pub))
	assert.Equal(t, 1, refreshes)

	t.Run("cooldown suppresses repeated refreshes for unknown kids", func(t *testing.T) {
		_, err := ks.PublicKey("key-2026-z")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cooldown")
		assert.Equal(t, 1, refreshes, "no extra SSM call inside the cooldown window")
	})

	t.Run("cooldown expiry allows another refresh", func(t *testing.T) {
		clock.Advance(31 * time.Second)

		_, err := ks.PublicKey("key-2026-z")
		require.Error(t, err)
		assert.Equal(t, 2, refreshes)
	})
}

func TestAWSKeyStore_CacheExpiryRefreshesInline(t *testing.T) {
	sm, ssm, key := keystoreFixture(t)
	clock := domaintest.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))

	ks, err := NewAWSKeyStore(context.Background(), sm, ssm, clock)
	require.NoError(t, err)

	refreshes := 0
	ssm.getParametersByPathFn = func(context.Context, *awsssm.GetParametersByPathInput, ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
		refreshes++
		return &awsssm.GetParametersByPathOutput{
			Parameters: []ssmtypes.Parameter{
				{
					Name:  aws.String("/prescription-auth/oidc/public-keys/key-2026-a"),
					Value: aws.String(encodePublicKeyPEM(t, &key.PublicKey)),
				},
			},
		}, nil
	}

	// Fresh cache: no SSM call.
	_, err = ks.PublicKey("key-2026-a")
	require.NoError(t, err)
	assert.Equal(t, 0, refreshes)

	clock.Advance(defaultCacheTTL + time.Second)

	_, err = ks.PublicKey("key-2026-a")
	require.NoError(t, err)
	assert.Equal(t, 1, refreshes)
}
