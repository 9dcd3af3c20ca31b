package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careportal/prescription-auth/internal/authproxy/app"
	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/dynamo"
)

type stubTxDynamo struct {
	transactFn func(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

func (s *stubTxDynamo) TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
	return s.transactFn(ctx, params, optFns...)
}

var _ txDynamoDB = (*stubTxDynamo)(nil)

func promotionParams() app.PromotionParams {
	return app.PromotionParams{
		Username:         "CIS2_9012345678",
		SessionID:        "sess-2",
		ApigeeCode:       "code-2",
		LastActivityTime: 1770000000000,
		TTL:              1770043200,
	}
}

func TestTransactor_PromoteDraft(t *testing.T) {
	t.Run("issues update plus conditioned delete", func(t *testing.T) {
		db := &stubTxDynamo{
			transactFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				require.Len(t, params.TransactItems, 2)

				update := params.TransactItems[0].Update
				require.NotNil(t, update)
				assert.Equal(t, mappingsTable, *update.TableName)
				assert.Contains(t, *update.UpdateExpression, "sessionId = :sid")
				assert.Contains(t, *update.ConditionExpression, "attribute_exists(username)")

				del := params.TransactItems[1].Delete
				require.NotNil(t, del)
				assert.Equal(t, draftsTable, *del.TableName)
				assert.Contains(t, *del.ConditionExpression, "sessionId = :sid")

				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		}

		err := NewTransactor(db, mappingsTable, draftsTable).PromoteDraft(context.Background(), promotionParams())

		require.NoError(t, err)
	})

	t.Run("consumed draft cancels as not found", func(t *testing.T) {
		db := &stubTxDynamo{
			transactFn: func(context.Context, *dynamo.TransactWriteItemsInput, ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("", "ConditionalCheckFailed")
			},
		}

		err := NewTransactor(db, mappingsTable, draftsTable).PromoteDraft(context.Background(), promotionParams())

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Contains(t, err.Error(), "draft_delete")
	})

	t.Run("missing mapping cancels as not found", func(t *testing.T) {
		db := &stubTxDynamo{
			transactFn: func(context.Context, *dynamo.TransactWriteItemsInput, ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("ConditionalCheckFailed", "")
			},
		}

		err := NewTransactor(db, mappingsTable, draftsTable).PromoteDraft(context.Background(), promotionParams())

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Contains(t, err.Error(), "mapping_update")
	})

	t.Run("other cancellation reasons wrap without sentinel", func(t *testing.T) {
		db := &stubTxDynamo{
			transactFn: func(context.Context, *dynamo.TransactWriteItemsInput, ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("TransactionConflict", "")
			},
		}

		err := NewTransactor(db, mappingsTable, draftsTable).PromoteDraft(context.Background(), promotionParams())

		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("plain error wraps with context", func(t *testing.T) {
		db := &stubTxDynamo{
			transactFn: func(context.Context, *dynamo.TransactWriteItemsInput, ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, errors.New("connection refused")
			},
		}

		err := NewTransactor(db, mappingsTable, draftsTable).PromoteDraft(context.Background(), promotionParams())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "promote draft")
	})
}
