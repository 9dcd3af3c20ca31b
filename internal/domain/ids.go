// Package domain contains pure business logic and types.
// No external dependencies allowed - this is the innermost ring of Clean Architecture.
package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IdentityProvider identifies which upstream IdP authenticated a user.
// The provider name prefixes every username, e.g. "CIS2_9012345678" or
// "Mock_5f2b...".
type IdentityProvider string

const (
	ProviderCIS2 IdentityProvider = "CIS2"
	ProviderMock IdentityProvider = "Mock"
)

// Username is a value object for the token-mapping primary key.
// Always valid in memory - use NewUsername or MakeUsername to construct.
type Username struct {
	value string
}

// MakeUsername builds a username from a provider and the upstream subject.
func MakeUsername(provider IdentityProvider, subject string) Username {
	return Username{value: string(provider) + "_" + subject}
}

// NewUsername validates a raw username string. It must carry a known
// provider prefix followed by a non-empty subject.
func NewUsername(raw string) (Username, error) {
	if raw == "" {
		return Username{}, fmt.Errorf("empty username: %w", ErrMissingClaims)
	}
	prefix, subject, found := strings.Cut(raw, "_")
	if !found || subject == "" {
		return Username{}, fmt.Errorf("username %q has no provider prefix: %w", raw, ErrUnauthorized)
	}
	switch IdentityProvider(prefix) {
	case ProviderCIS2, ProviderMock:
		return Username{value: raw}, nil
	default:
		return Username{}, fmt.Errorf("username %q has unknown provider %q: %w", raw, prefix, ErrUnauthorized)
	}
}

// MustUsername creates a Username, panicking on invalid input. Use only in tests.
func MustUsername(raw string) Username {
	u, err := NewUsername(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Provider returns the IdP that owns this identity.
func (u Username) Provider() IdentityProvider {
	prefix, _, _ := strings.Cut(u.value, "_")
	return IdentityProvider(prefix)
}

// IsMock reports whether this identity was issued by the mock IdP.
func (u Username) IsMock() bool { return u.Provider() == ProviderMock }

func (u Username) String() string { return u.value }
func (u Username) IsZero() bool   { return u.value == "" }

// SessionID is a value object representing a unique session identifier.
type SessionID struct {
	value string
}

// NewSessionID creates a SessionID from a raw string. Session ids are
// minted by the login flow as UUIDs but arrive from authorizer context,
// so only non-emptiness is enforced here.
func NewSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, fmt.Errorf("empty session id: %w", ErrMissingClaims)
	}
	return SessionID{value: raw}, nil
}

// MustSessionID creates a SessionID, panicking on invalid input. Use only in tests.
func MustSessionID(raw string) SessionID {
	id, err := NewSessionID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateSessionID creates a new random SessionID.
func GenerateSessionID() SessionID {
	return SessionID{value: uuid.NewString()}
}

func (id SessionID) String() string { return id.value }
func (id SessionID) IsZero() bool   { return id.value == "" }

// GenerateSubject creates a fresh pseudo-identifier for a mock identity.
func GenerateSubject() string {
	return uuid.NewString()
}
