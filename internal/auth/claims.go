package auth

import "github.com/golang-jwt/jwt/v5"

// IdentityClaims is the claim set carried by identity tokens minted for the
// mock IdP path. The synthetic assurance claims mirror what the real IdP
// asserts for a smartcard login so downstream consumers see one shape.
type IdentityClaims struct {
	jwt.RegisteredClaims
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	SessionID string   `json:"sid,omitempty"`
}

// Synthetic assurance values for mock identity tokens.
const (
	MockACR = "AAL3_ANY"
)

// MockAMR returns the authentication-method list for mock identity tokens.
// A fresh slice per call — claim structs must not share backing arrays.
func MockAMR() []string {
	return []string{"N3_SMARTCARD"}
}
