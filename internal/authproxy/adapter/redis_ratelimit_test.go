package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careportal/prescription-auth/internal/authproxy/adapter"
	redisclient "github.com/careportal/prescription-auth/internal/redis"
)

func newTestRateLimiter(t *testing.T) (*adapter.RateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	return adapter.NewRateLimiter(client.RDB), mr
}

func TestRateLimiter_CheckAndIncrement(t *testing.T) {
	t.Run("allows requests under the limit", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t)

		allowed, err := rl.CheckAndIncrement(context.Background(), "token:client:abc", 3, 60)

		require.NoError(t, err)
		assert.True(t, allowed, "first request should be allowed")
	})

	t.Run("allows exactly up to the limit", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t)
		key := "token:client:def"
		limit := 3

		for i := 0; i < limit; i++ {
			allowed, err := rl.CheckAndIncrement(context.Background(), key, limit, 60)
			require.NoError(t, err)
			assert.True(t, allowed, "request %d should be allowed", i+1)
		}
	})

	t.Run("rejects requests exceeding the limit", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t)
		key := "token:client:ghi"
		limit := 3

		for i := 0; i < limit; i++ {
			_, err := rl.CheckAndIncrement(context.Background(), key, limit, 60)
			require.NoError(t, err)
		}

		allowed, err := rl.CheckAndIncrement(context.Background(), key, limit, 60)

		require.NoError(t, err)
		assert.False(t, allowed, "request beyond limit should be rejected")
	})

	t.Run("sets TTL on the key", func(t *testing.T) {
		rl, mr := newTestRateLimiter(t)
		key := "token:client:jkl"

		_, err := rl.CheckAndIncrement(context.Background(), key, 10, 60)

		require.NoError(t, err)
		assert.Greater(t, mr.TTL(key), time.Duration(0))
	})

	t.Run("window reset allows again", func(t *testing.T) {
		rl, mr := newTestRateLimiter(t)
		key := "token:client:mno"
		limit := 1

		allowed, err := rl.CheckAndIncrement(context.Background(), key, limit, 60)
		require.NoError(t, err)
		require.True(t, allowed)

		allowed, err = rl.CheckAndIncrement(context.Background(), key, limit, 60)
		require.NoError(t, err)
		require.False(t, allowed)

		mr.FastForward(61 * time.Second)

		allowed, err = rl.CheckAndIncrement(context.Background(), key, limit, 60)
		require.NoError(t, err)
		assert.True(t, allowed, "a fresh window should allow again")
	})

	t.Run("redis failure denies", func(t *testing.T) {
		rl, mr := newTestRateLimiter(t)
		mr.Close()

		allowed, err := rl.CheckAndIncrement(context.Background(), "token:client:pqr", 3, 60)

		require.Error(t, err)
		assert.False(t, allowed, "redis errors must fail closed")
	})
}
