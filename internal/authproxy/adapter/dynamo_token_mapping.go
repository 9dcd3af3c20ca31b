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

// Compile-time check: MappingStore satisfies app.MappingStore.
var _ app.MappingStore = (*MappingStore)(nil)

// mappingDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the token mapping store. The *dynamodb.Client
// satisfies this interface.
type mappingDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
}

// roleItem is the DynamoDB shape of one role descriptor.
type roleItem struct {
	RoleID  string `dynamodbav:"roleId"`
	Name    string `dynamodbav:"roleName"`
	OrgCode string `dynamodbav:"orgCode"`
	OrgName string `dynamodbav:"orgName"`
}

// mappingItem is the DynamoDB item shape for the token mappings table.
// Attribute names follow the table schema, not Go conventions.
type mappingItem struct {
	Username              string     `dynamodbav:"username"`
	CIS2AccessToken       string     `dynamodbav:"cis2AccessToken"`
	CIS2IDToken           string     `dynamodbav:"cis2IdToken"`
	ApigeeAccessToken     string     `dynamodbav:"apigeeAccessToken"`
	ApigeeExpiresIn       int64      `dynamodbav:"apigeeExpiresIn"`
	ApigeeCode            string     `dynamodbav:"apigeeCode"`
	RolesWithAccess       []roleItem `dynamodbav:"rolesWithAccess"`
	RolesWithoutAccess    []roleItem `dynamodbav:"rolesWithoutAccess"`
	CurrentlySelectedRole *roleItem  `dynamodbav:"currentlySelectedRole,omitempty"`
	SessionID             string     `dynamodbav:"sessionId"`
	LastActivityTime      int64      `dynamodbav:"lastActivityTime"`
	TTL                   int64      `dynamodbav:"ttl"`
}

func toRoleItems(roles []app.Role) []roleItem {
	if roles == nil {
		return nil
	}
	items := make([]roleItem, len(roles))
	for i, r := range roles {
		items[i] = roleItem{RoleID: r.ID, Name: r.Name, OrgCode: r.OrgCode, OrgName: r.OrgName}
	}
	return items
}

func fromRoleItems(items []roleItem) []app.Role {
	if items == nil {
		return nil
	}
	roles := make([]app.Role, len(items))
	for i, item := range items {
		roles[i] = app.Role{ID: item.RoleID, Name: item.Name, OrgCode: item.OrgCode, OrgName: item.OrgName}
	}
	return roles
}

// toMappingItem converts an app.TokenMappingRecord to the DynamoDB item shape.
func toMappingItem(r app.TokenMappingRecord) mappingItem {
	item := mappingItem{
		Username:           r.Username,
		CIS2AccessToken:    r.CIS2AccessToken,
		CIS2IDToken:        r.CIS2IDToken,
		ApigeeAccessToken:  r.ApigeeAccessToken,
		ApigeeExpiresIn:    r.ApigeeExpiresIn,
		ApigeeCode:         r.ApigeeCode,
		RolesWithAccess:    toRoleItems(r.RolesWithAccess),
		RolesWithoutAccess: toRoleItems(r.RolesWithoutAccess),
		SessionID:          r.SessionID,
		LastActivityTime:   r.LastActivityTime,
		TTL:                r.TTL,
	}
	if r.CurrentlySelectedRole != nil {
		selected := roleItem{
			RoleID:  r.CurrentlySelectedRole.ID,
			Name:    r.CurrentlySelectedRole.Name,
			OrgCode: r.CurrentlySelectedRole.OrgCode,
			OrgName: r.CurrentlySelectedRole.OrgName,
		}
		item.CurrentlySelectedRole = &selected
	}
	return item
}

// fromMappingItem converts a DynamoDB item to an app.TokenMappingRecord.
func fromMappingItem(item mappingItem) *app.TokenMappingRecord {
	record := &app.TokenMappingRecord{
		Username:           item.Username,
		CIS2AccessToken:    item.CIS2AccessToken,
		CIS2IDToken:        item.CIS2IDToken,
		ApigeeAccessToken:  item.ApigeeAccessToken,
		ApigeeExpiresIn:    item.ApigeeExpiresIn,
		ApigeeCode:         item.ApigeeCode,
		RolesWithAccess:    fromRoleItems(item.RolesWithAccess),
		RolesWithoutAccess: fromRoleItems(item.RolesWithoutAccess),
		SessionID:          item.SessionID,
		LastActivityTime:   item.LastActivityTime,
		TTL:                item.TTL,
	}
	if item.CurrentlySelectedRole != nil {
		record.CurrentlySelectedRole = &app.Role{
			ID:      item.CurrentlySelectedRole.RoleID,
			Name:    item.CurrentlySelectedRole.Name,
			OrgCode: item.CurrentlySelectedRole.OrgCode,
			OrgName: item.CurrentlySelectedRole.OrgName,
		}
	}
	return record
}

// MappingStore persists token mapping records in DynamoDB, one per username.
type MappingStore struct {
	db        mappingDynamoDB
	tableName string
}

// NewMappingStore creates a MappingStore backed by the given DynamoDB client.
func NewMappingStore(db mappingDynamoDB, tableName string) *MappingStore {
	return &MappingStore{db: db, tableName: tableName}
}

// Get retrieves the mapping record for a username using a strongly
// consistent read. Returns domain.ErrNotFound when no record exists.
func (s *MappingStore) Get(ctx context.Context, username string) (*app.TokenMappingRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.mappings.get")
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
		return nil, fmt.Errorf("mapping store: get: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("mapping store: get: %w", domain.ErrNotFound)
	}

	var item mappingItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("mapping store: unmarshal: %w", err)
	}

	return fromMappingItem(item), nil
}

// Put writes the mapping record, replacing any existing one for the same
// username. Last writer wins; the login flows rely on this.
func (s *MappingStore) Put(ctx context.Context, record app.TokenMappingRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.mappings.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(toMappingItem(record))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mapping store: marshal: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mapping store: put: %w", err)
	}

	return nil
}

// UpdateCredentials writes a refreshed downstream credential onto an
// existing record. The record must exist; refreshing a credential for an
// unknown user means the session lineage is broken.
func (s *MappingStore) UpdateCredentials(ctx context.Context, username string, update app.CredentialUpdate) error {
	ctx, span := tracer.Start(ctx, "dynamo.mappings.update_credentials")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	expr, err := dynamo.NewExpressionBuilder().
		WithUpdate(dynamo.ExprSet(
			dynamo.ExprName("apigeeAccessToken"), dynamo.ExprValue(update.ApigeeAccessToken)).
			Set(dynamo.ExprName("apigeeExpiresIn"), dynamo.ExprValue(update.ApigeeExpiresIn)).
			Set(dynamo.ExprName("lastActivityTime"), dynamo.ExprValue(update.LastActivityTime))).
		WithCondition(dynamo.ExprName("username").AttributeExists()).
		Build()
	if err != nil {
		return fmt.Errorf("mapping store: build update expression: %w", err)
	}

	_, err = s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       map[string]dynamo.AttributeValue{"username": &dynamo.AttributeValueMemberS{Value: username}},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("mapping store: update credentials: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mapping store: update credentials: %w", err)
	}

	return nil
}

// Touch bumps lastActivityTime on an existing record. The condition keeps
// the timestamp monotonic; a concurrent request that already wrote a later
// time wins and this call reports success.
func (s *MappingStore) Touch(ctx context.Context, username string, lastActivityTime int64) error {
	ctx, span := tracer.Start(ctx, "dynamo.mappings.touch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	expr, err := dynamo.NewExpressionBuilder().
		WithUpdate(dynamo.ExprSet(
			dynamo.ExprName("lastActivityTime"), dynamo.ExprValue(lastActivityTime))).
		WithCondition(dynamo.ExprName("username").AttributeExists().
			And(dynamo.ExprName("lastActivityTime").LessThanEqual(dynamo.ExprValue(lastActivityTime)))).
		Build()
	if err != nil {
		return fmt.Errorf("mapping store: build touch expression: %w", err)
	}

	_, err = s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       map[string]dynamo.AttributeValue{"username": &dynamo.AttributeValueMemberS{Value: username}},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mapping store: touch: %w", err)
	}

	return nil
}
