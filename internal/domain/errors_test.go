package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/careportal/prescription-auth/internal/domain"
)

func TestIsSecurityRelevant(t *testing.T) {
	assert.True(t, domain.IsSecurityRelevant(domain.ErrSessionNotFound))
	assert.True(t, domain.IsSecurityRelevant(domain.ErrMockDisabled))
	assert.True(t, domain.IsSecurityRelevant(fmt.Errorf("reconcile: %w", domain.ErrMissingClaims)))
	assert.False(t, domain.IsSecurityRelevant(domain.ErrRateLimited))
	assert.False(t, domain.IsSecurityRelevant(errors.New("connection refused")))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, domain.IsClientError(domain.ErrMissingCode))
	assert.True(t, domain.IsClientError(fmt.Errorf("token request: %w", domain.ErrInvalidTokenBody)))
	assert.False(t, domain.IsClientError(domain.ErrUnavailable))
	assert.False(t, domain.IsClientError(domain.ErrSigningKey))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, domain.IsNotFound(fmt.Errorf("mapping: %w", domain.ErrNotFound)))
	assert.False(t, domain.IsNotFound(domain.ErrSessionNotFound))
}
