package dynamo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careportal/prescription-auth/internal/dynamo"
)

func TestNewClientWithEndpoint(t *testing.T) {
	ctx := context.Background()

	client, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: "http://localhost:4566",
		Region:   "eu-west-2",
		Timeout:  5 * time.Second,
	})

	require.NoError(t, err)
	require.NotNil(t, client)
	require.NotNil(t, client.DB)
}

func TestNewClientWithDefaultEndpoint(t *testing.T) {
	ctx := context.Background()

	client, err := dynamo.NewClient(ctx, dynamo.Config{
		Region:  "eu-west-2",
		Timeout: 5 * time.Second,
	})

	require.NoError(t, err)
	require.NotNil(t, client)
	require.NotNil(t, client.DB)
}

func TestErrorClassifiers(t *testing.T) {
	t.Run("conditional check failed", func(t *testing.T) {
		assert.True(t, dynamo.IsConditionalCheckFailed(dynamo.ErrConditionalCheckFailed()))
		assert.False(t, dynamo.IsConditionalCheckFailed(context.Canceled))
	})

	t.Run("transaction canceled reasons", func(t *testing.T) {
		reasons, ok := dynamo.IsTransactionCanceledException(
			dynamo.ErrTransactionCanceled("", "ConditionalCheckFailed"))
		require.True(t, ok)
		assert.Equal(t, []string{"", "ConditionalCheckFailed"}, reasons)

		_, ok = dynamo.IsTransactionCanceledException(context.Canceled)
		assert.False(t, ok)
	})
}
