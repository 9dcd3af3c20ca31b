package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/careportal/prescription-auth/internal/domain"
)

// ClientAssertionType is the OAuth2 assertion type sent alongside a signed
// client assertion in the token request form.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AssertionSigner builds signed client-assertion JWTs used in place of a
// client secret when exchanging an authorization code with the upstream IdP.
type AssertionSigner struct {
	keyStore KeyStore
	clock    domain.Clock
}

// NewAssertionSigner creates an AssertionSigner backed by the given key store.
func NewAssertionSigner(keyStore KeyStore, clock domain.Clock) *AssertionSigner {
	return &AssertionSigner{keyStore: keyStore, clock: clock}
}

// Sign produces a client assertion for clientID addressed to tokenEndpoint.
// Claims are iss=sub=clientID, aud=tokenEndpoint, a random jti, and a
// 300-second validity window. The token is signed RS512 with the current key
// and carries the key id in its header. A key store failure here is fatal
// for the request — there is no fallback to a shared secret.
func (s *AssertionSigner) Sign(clientID, tokenEndpoint string) (string, error) {
	privateKey, keyID, err := s.keyStore.SigningKey()
	if err != nil {
		return "", fmt.Errorf("client assertion: %w: %w", domain.ErrSigningKey, err)
	}

	now := s.clock.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenEndpoint},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(domain.ClientAssertionLifetime)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS512, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}

	return signed, nil
}
