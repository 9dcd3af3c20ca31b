package adapter

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/careportal/prescription-auth/internal/authproxy/app"
	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/dynamo"
)

// Compile-time check: Transactor satisfies app.SessionTransactor.
var _ app.SessionTransactor = (*Transactor)(nil)

// txDynamoDB is a narrow, consumer-defined interface for DynamoDB
// transaction operations. The *dynamodb.Client satisfies this interface.
type txDynamoDB interface {
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// Transactor executes the atomic draft-to-active promotion across the two
// session tables.
type Transactor struct {
	db            txDynamoDB
	mappingsTable string
	draftsTable   string
}

// NewTransactor creates a Transactor operating on the given tables.
func NewTransactor(db txDynamoDB, mappingsTable, draftsTable string) *Transactor {
	return &Transactor{
		db:            db,
		mappingsTable: mappingsTable,
		draftsTable:   draftsTable,
	}
}

// PromoteDraft executes a 2-item TransactWriteItems making the draft the
// active session:
//
//	[0] mappingUpdate — rewrites sessionId, apigeeCode, lastActivityTime and
//	    ttl on the existing token mapping record
//	[1] draftDelete — consumes the draft; conditioned on its existence so
//	    two concurrent promotions cannot both succeed
//
// Returns domain.ErrNotFound when either the mapping record is missing or
// the draft was already consumed.
func (t *Transactor) PromoteDraft(ctx context.Context, params app.PromotionParams) error {
	ctx, span := tracer.Start(ctx, "dynamo.tx.promote_draft")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	updateExpr := "SET sessionId = :sid, apigeeCode = :code, lastActivityTime = :lat, #ttl = :ttl"
	mappingCond := "attribute_exists(username)"
	draftCond := "attribute_exists(username) AND sessionId = :sid"

	key := map[string]dynamo.AttributeValue{
		"username": &dynamo.AttributeValueMemberS{Value: params.Username},
	}

	_, err := t.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{
			{
				Update: &dynamo.Update{
					TableName:           &t.mappingsTable,
					Key:                 key,
					UpdateExpression:    &updateExpr,
					ConditionExpression: &mappingCond,
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]dynamo.AttributeValue{
						":sid":  &dynamo.AttributeValueMemberS{Value: params.SessionID},
						":code": &dynamo.AttributeValueMemberS{Value: params.ApigeeCode},
						":lat":  &dynamo.AttributeValueMemberN{Value: strconv.FormatInt(params.LastActivityTime, 10)},
						":ttl":  &dynamo.AttributeValueMemberN{Value: strconv.FormatInt(params.TTL, 10)},
					},
				},
			},
			{
				Delete: &dynamo.Delete{
					TableName:           &t.draftsTable,
					Key:                 key,
					ConditionExpression: &draftCond,
					ExpressionAttributeValues: map[string]dynamo.AttributeValue{
						":sid": &dynamo.AttributeValueMemberS{Value: params.SessionID},
					},
				},
			},
		},
	})
	if err != nil {
		txErr := t.classifyTxError(err, "promote draft", "mapping_update", "draft_delete")
		span.RecordError(txErr)
		span.SetStatus(codes.Error, txErr.Error())
		return txErr
	}

	return nil
}

// classifyTxError inspects a TransactWriteItems error and wraps it with
// context. For TransactionCanceledException it checks each cancellation
// reason and maps ConditionalCheckFailed to domain.ErrNotFound: the record
// the transaction expected no longer exists.
func (t *Transactor) classifyTxError(err error, op string, itemNames ...string) error {
	reasons, ok := dynamo.IsTransactionCanceledException(err)
	if !ok {
		return fmt.Errorf("transactor: %s: %w", op, err)
	}

	for i, reason := range reasons {
		if reason == "ConditionalCheckFailed" {
			name := "unknown"
			if i < len(itemNames) {
				name = itemNames[i]
			}
			return fmt.Errorf("transactor: %s: item %d (%s) condition failed: %w",
				op, i, name, domain.ErrNotFound)
		}
	}

	return fmt.Errorf("transactor: %s: transaction canceled: %w", op, err)
}
