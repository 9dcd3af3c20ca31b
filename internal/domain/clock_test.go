package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/domain/domaintest"
)

func TestRealClockNow(t *testing.T) {
	before := time.Now()
	got := domain.RealClock{}.Now()
	after := time.Now()

	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestNowUTCMillis(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	clock := domaintest.NewFakeClock(fixed)

	assert.Equal(t, fixed.UnixMilli(), domain.NowUTCMillis(clock))
}

func TestFromMillis(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	got := domain.FromMillis(fixed.UnixMilli())

	assert.True(t, got.Equal(fixed))
	assert.Equal(t, time.UTC, got.Location())
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	clock := domaintest.NewFakeClock(start)

	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}
