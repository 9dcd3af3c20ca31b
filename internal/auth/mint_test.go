package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careportal/prescription-auth/internal/auth"
	"github.com/careportal/prescription-auth/internal/domain/domaintest"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestMintIdentityToken(t *testing.T) {
	key := generateTestKey(t)
	keyID := "test-key-001"
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := domaintest.NewFakeClock(start)

	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore: auth.NewStaticKeyStore(key, keyID),
		Issuer:   "https://mock.idp.example/realms/dev",
		Audience: "prescription-lookup",
		Clock:    clock,
	})

	t.Run("produces valid signed JWT with expected claims", func(t *testing.T) {
		result, err := minter.MintIdentityToken("5f2b-pseudo-sub", "auth-session-42")
		require.NoError(t, err)
		assert.NotEmpty(t, result.Token)
		assert.NotEmpty(t, result.JTI)
		assert.Equal(t, start.Add(600*time.Second), result.ExpiresAt)

		// Parse and verify
		var claims auth.IdentityClaims
		token, err := jwt.ParseWithClaims(result.Token, &claims, func(token *jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithTimeFunc(clock.Now))
		require.NoError(t, err)
		assert.True(t, token.Valid)

		assert.Equal(t, "5f2b-pseudo-sub", claims.Subject)
		assert.Equal(t, "https://mock.idp.example/realms/dev", claims.Issuer)
		assert.Equal(t, jwt.ClaimStrings{"prescription-lookup"}, claims.Audience)
		assert.Equal(t, "auth-session-42", claims.SessionID)
		assert.Equal(t, auth.MockACR, claims.ACR)
		assert.Equal(t, auth.MockAMR(), claims.AMR)
		assert.Equal(t, result.JTI, claims.ID)
		assert.Equal(t, start.Unix(), claims.IssuedAt.Unix())

		// exp is exactly 600 seconds after iat
		assert.Equal(t, int64(600), claims.ExpiresAt.Unix()-claims.IssuedAt.Unix())

		// Check header
		assert.Equal(t, keyID, token.Header["kid"])
		assert.Equal(t, "RS512", token.Header["alg"])
	})

	t.Run("each token has unique JTI", func(t *testing.T) {
		r1, err := minter.MintIdentityToken("sub-1", "sess")
		require.NoError(t, err)
		r2, err := minter.MintIdentityToken("sub-1", "sess")
		require.NoError(t, err)
		assert.NotEqual(t, r1.JTI, r2.JTI)
	})

	t.Run("advancing clock changes iat and exp", func(t *testing.T) {
		clock.Set(start)
		r1, err := minter.MintIdentityToken("sub-1", "sess")
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		r2, err := minter.MintIdentityToken("sub-1", "sess")
		require.NoError(t, err)

		assert.Equal(t, start.Add(600*time.Second), r1.ExpiresAt)
		assert.Equal(t, start.Add(2*time.Minute+600*time.Second), r2.ExpiresAt)

		clock.Set(start)
	})

	t.Run("token rejected with wrong key", func(t *testing.T) {
		result, err := minter.MintIdentityToken("sub-1", "sess")
		require.NoError(t, err)

		otherKey := generateTestKey(t)
		_, err = jwt.Parse(result.Token, func(token *jwt.Token) (any, error) {
			return &otherKey.PublicKey, nil
		}, jwt.WithTimeFunc(clock.Now))
		assert.Error(t, err)
	})
}
