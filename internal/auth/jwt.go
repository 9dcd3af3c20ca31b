package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/careportal/prescription-auth/internal/domain"
)

// ErrTokenExpired is returned when a validly signed token has expired.
// Callers can use errors.Is to check for this condition without importing
// the JWT library directly.
var ErrTokenExpired = jwt.ErrTokenExpired

// Verifier validates identity tokens minted by this service's key material.
type Verifier struct {
	keyStore KeyStore
	issuer   string
	audience string
	clock    domain.Clock
}

// VerifierConfig holds configuration for creating a Verifier.
type VerifierConfig struct {
	KeyStore KeyStore
	Issuer   string
	Audience string
	Clock    domain.Clock
}

// NewVerifier creates a new identity-token verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	return &Verifier{
		keyStore: cfg.KeyStore,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
}

// VerifyIdentityToken parses and fully validates a signed identity token.
// Only RS512 is accepted; the key is resolved through the key store by the
// kid header.
func (v *Verifier) VerifyIdentityToken(tokenString string) (*IdentityClaims, error) {
	var claims IdentityClaims

	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{"RS512"}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid identity token: %w", err)
	}

	return &claims, nil
}

// DecodeUnverified extracts claims from an upstream identity token without
// signature verification. The token arrives on the direct TLS response from
// the IdP's token endpoint; the transport is the trust boundary here, and
// the claims are only used to key the session record.
func DecodeUnverified(tokenString string) (*IdentityClaims, error) {
	var claims IdentityClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return nil, fmt.Errorf("decode identity token: %w", err)
	}
	return &claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing or invalid kid in token header")
	}

	return v.keyStore.PublicKey(kid)
}
