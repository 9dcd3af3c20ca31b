package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/careportal/prescription-auth/internal/domain"
)

// MintResult holds the result of minting an identity token.
type MintResult struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Minter creates signed identity tokens for the mock IdP path. The real IdP
// mints its own; this stands in for it outside production.
type Minter struct {
	keyStore KeyStore
	issuer   string
	audience string
	clock    domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	KeyStore KeyStore
	Issuer   string
	Audience string
	Clock    domain.Clock
}

// NewMinter creates a new identity-token minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		keyStore: cfg.KeyStore,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
}

// MintIdentityToken creates a signed RS512 identity token for the given
// pseudo-subject, bound to the authorization session via the sid claim.
// exp is exactly 600 seconds after iat.
func (m *Minter) MintIdentityToken(subject, sessionState string) (MintResult, error) {
	privateKey, keyID, err := m.keyStore.SigningKey()
	if err != nil {
		return MintResult{}, fmt.Errorf("get signing key: %w: %w", domain.ErrSigningKey, err)
	}

	now := m.clock.Now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(domain.IdentityTokenLifetime)

	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		ACR:       MockACR,
		AMR:       MockAMR(),
		SessionID: sessionState,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS512, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return MintResult{}, fmt.Errorf("sign identity token: %w", err)
	}

	return MintResult{
		Token:     signed,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}
