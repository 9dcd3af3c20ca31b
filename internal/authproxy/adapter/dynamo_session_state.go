package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/careportal/prescription-auth/internal/authproxy/app"
	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/dynamo"
)

// Compile-time check: DraftStore satisfies app.DraftStore.
var _ app.DraftStore = (*DraftStore)(nil)

// draftDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the draft session store.
type draftDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
}

// draftItem is the DynamoDB item shape for the session management table.
type draftItem struct {
	Username   string `dynamodbav:"username"`
	SessionID  string `dynamodbav:"sessionId"`
	ApigeeCode string `dynamodbav:"apigeeCode"`
	TTL        int64  `dynamodbav:"ttl"`
}

// DraftStore persists draft session records in DynamoDB, one per username.
// The mock token flow resolves drafts by authorization code through the
// apigeeCode-index GSI.
type DraftStore struct {
	db        draftDynamoDB
	tableName string
	indexName string
}

// NewDraftStore creates a DraftStore backed by the given DynamoDB client.
func NewDraftStore(db draftDynamoDB, tableName string) *DraftStore {
	return &DraftStore{
		db:        db,
		tableName: tableName,
		indexName: "apigeeCode-index",
	}
}

// Get retrieves the draft record for a username using a strongly consistent
// read. Returns domain.ErrNotFound when no draft is pending.
func (s *DraftStore) Get(ctx context.Context, username string) (*app.SessionStateRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.drafts.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"username": &dynamo.AttributeValueMemberS{Value: username},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("draft store: get: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("draft store: get: %w", domain.ErrNotFound)
	}

	return unmarshalDraft(out.Item)
}

// GetByCode resolves a draft by its authorization code via the GSI.
// Returns domain.ErrNotFound when no draft carries the code.
func (s *DraftStore) GetByCode(ctx context.Context, code string) (*app.SessionStateRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.drafts.get_by_code")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	keyExpr := "apigeeCode = :code"
	limit := int32(1)

	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":code": &dynamo.AttributeValueMemberS{Value: code},
		},
		Limit: &limit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("draft store: get by code: %w", err)
	}

	if len(out.Items) == 0 {
		return nil, fmt.Errorf("draft store: get by code: %w", domain.ErrNotFound)
	}

	return unmarshalDraft(out.Items[0])
}

// Put writes the draft record, replacing any pending draft for the same
// username. A newer concurrent login supersedes an unresolved older one.
func (s *DraftStore) Put(ctx context.Context, record app.SessionStateRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.drafts.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(draftItem{
		Username:   record.Username,
		SessionID:  record.SessionID,
		ApigeeCode: record.ApigeeCode,
		TTL:        record.TTL,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("draft store: marshal: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("draft store: put: %w", err)
	}

	return nil
}

// Delete removes the draft record for a username. Deleting an absent draft
// returns domain.ErrNotFound so callers can treat it as already consumed.
func (s *DraftStore) Delete(ctx context.Context, username string) error {
	ctx, span := tracer.Start(ctx, "dynamo.drafts.delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "DeleteItem"),
	)

	condExpr := "attribute_exists(username)"

	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"username": &dynamo.AttributeValueMemberS{Value: username},
		},
		ConditionExpression: &condExpr,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("draft store: delete: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("draft store: delete: %w", err)
	}

	return nil
}

// unmarshalDraft converts a DynamoDB attribute map into an app.SessionStateRecord.
func unmarshalDraft(item map[string]dynamo.AttributeValue) (*app.SessionStateRecord, error) {
	var di draftItem
	if err := dynamo.UnmarshalMap(item, &di); err != nil {
		return nil, fmt.Errorf("draft store: unmarshal: %w", err)
	}

	return &app.SessionStateRecord{
		Username:   di.Username,
		SessionID:  di.SessionID,
		ApigeeCode: di.ApigeeCode,
		TTL:        di.TTL,
	}, nil
}
