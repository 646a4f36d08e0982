package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"chat-history/internal/domain"
)

const (
	// UserIndex and ConversationIndex are global secondary indexes sorted by
	// createdAt (unix nanoseconds).
	UserIndex         = "userId-createdAt-index"
	ConversationIndex = "conversationId-createdAt-index"

	attrID             = "id"
	attrUserID         = "userId"
	attrConversationID = "conversationId"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client is the store of record for messages, backed by one DynamoDB table.
// Used on its own it is the durable-only MessageRepository.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// messageItem is the DynamoDB shape of a message.
type messageItem struct {
	ID             string         `dynamodbav:"id"`
	ConversationID string         `dynamodbav:"conversationId"`
	UserID         string         `dynamodbav:"userId"`
	Type           string         `dynamodbav:"type"`
	Content        string         `dynamodbav:"content"`
	CreatedAt      int64          `dynamodbav:"createdAt"`
	Metadata       map[string]any `dynamodbav:"metadata,omitempty"`
}

func toItem(m domain.Message) messageItem {
	return messageItem{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Type:           string(m.Type),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UnixNano(),
		Metadata:       m.Metadata,
	}
}

func (it messageItem) message() domain.Message {
	return domain.Message{
		ID:             it.ID,
		ConversationID: it.ConversationID,
		UserID:         it.UserID,
		Type:           domain.MessageType(it.Type),
		Content:        it.Content,
		CreatedAt:      time.Unix(0, it.CreatedAt).UTC(),
		Metadata:       it.Metadata,
	}
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	var it messageItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.Message{}, err
	}
	if it.ID == "" {
		return domain.Message{}, fmt.Errorf("repository: missing attribute %q", attrID)
	}
	return it.message(), nil
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: id},
	}
}

// storeError marks err as a durable store failure and keeps the AWS error
// code visible in the message.
func storeError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("repository: %s: %w (%s): %w", op, domain.ErrStoreFailure, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("repository: %s: %w: %w", op, domain.ErrStoreFailure, err)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Create inserts msg. ID and CreatedAt are assigned when empty; a caller
// supplied ID makes the insert idempotent, a second insert returns
// domain.ErrConflict.
func (c *Client) Create(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := msg.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("repository: Create: %w", err)
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	item, err := attributevalue.MarshalMap(toItem(msg))
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Create marshal: %w", err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(attrID))).
		Build()
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Create expression: %w", err)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(c.tableName),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Message{}, fmt.Errorf("repository: Create %s: %w", msg.ID, domain.ErrConflict)
		}
		return domain.Message{}, storeError("Create", err)
	}
	return msg, nil
}

// FindByID reads one message with a consistent read.
func (c *Client) FindByID(ctx context.Context, id string) (domain.Message, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Message{}, storeError("FindByID", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Message{}, fmt.Errorf("repository: FindByID %s: %w", id, domain.ErrNotFound)
	}
	msg, err := itemToMessage(out.Item)
	if err != nil {
		return domain.Message{}, storeError("FindByID unmarshal", err)
	}
	return msg, nil
}

// FindByUser returns the limit most recent messages of a user, oldest first.
func (c *Client) FindByUser(ctx context.Context, userID string, limit int) ([]domain.Message, error) {
	return c.recent(ctx, "FindByUser", UserIndex, attrUserID, userID, limit)
}

// FindByConversation returns the limit most recent messages of a
// conversation, oldest first.
func (c *Client) FindByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	return c.recent(ctx, "FindByConversation", ConversationIndex, attrConversationID, conversationID, limit)
}

func (c *Client) recent(ctx context.Context, op, index, attr, value string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(attr).Equal(expression.Value(value))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("repository: %s expression: %w", op, err)
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		// Read newest first so LIMIT favors the most recent messages.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, storeError(op+" unmarshal", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UserMessageIDs returns the ids of every durable message of a user.
func (c *Client) UserMessageIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key(attrUserID).Equal(expression.Value(userID))).
		WithProjection(expression.NamesList(expression.Name(attrID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("repository: UserMessageIDs expression: %w", err)
	}

	ids := make(map[string]struct{})
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		IndexName:                 aws.String(UserIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, storeError("UserMessageIDs", err)
		}
		for _, item := range page.Items {
			if v, ok := item[attrID].(*types.AttributeValueMemberS); ok {
				ids[v.Value] = struct{}{}
			}
		}
	}
	return ids, nil
}

// Update applies upd to an existing message and returns the new state.
func (c *Client) Update(ctx context.Context, id string, upd domain.MessageUpdate) (domain.Message, error) {
	if upd.Empty() {
		return c.FindByID(ctx, id)
	}
	if upd.Type != nil && !upd.Type.Valid() {
		return domain.Message{}, fmt.Errorf("repository: Update: %w: unknown type %q", domain.ErrInvalidMessage, *upd.Type)
	}

	var update expression.UpdateBuilder
	if upd.Content != nil {
		update = update.Set(expression.Name("content"), expression.Value(*upd.Content))
	}
	if upd.Type != nil {
		update = update.Set(expression.Name("type"), expression.Value(string(*upd.Type)))
	}
	if upd.Metadata != nil {
		update = update.Set(expression.Name("metadata"), expression.Value(upd.Metadata))
	}
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name(attrID))).
		Build()
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: Update expression: %w", err)
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       idKey(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Message{}, fmt.Errorf("repository: Update %s: %w", id, domain.ErrNotFound)
		}
		return domain.Message{}, storeError("Update", err)
	}
	msg, err := itemToMessage(out.Attributes)
	if err != nil {
		return domain.Message{}, storeError("Update unmarshal", err)
	}
	return msg, nil
}

// Delete removes a message and reports whether it existed.
func (c *Client) Delete(ctx context.Context, id string) (bool, error) {
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          idKey(id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, storeError("Delete", err)
	}
	return out != nil && len(out.Attributes) > 0, nil
}

var newID = func() string {
	return uuid.NewString()
}

var now = func() time.Time {
	return time.Now().UTC()
}
