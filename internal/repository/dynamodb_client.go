package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"market-chat/internal/domain"
)

const (
	skMeta           = "META#"
	skProfile        = "PROFILE"
	skPrefixConv     = "CONV#"
	conditionFailed  = "ConditionalCheckFailed"
	listPageMaxCalls = 50
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations and user profiles in one DynamoDB table.
//
//	CONV#<id>   / META#       conversation record (owner, title, stateData)
//	USER#<uid>  / CONV#<id>   owner listing entry
//	USER#<uid>  / PROFILE     tier and message count
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func userPK(userID string) string {
	return "USER#" + userID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// UpsertConversation writes the full record and its owner listing entry in one
// transaction. A record owned by someone else is left untouched.
func (c *Client) UpsertConversation(ctx context.Context, rec domain.Record) error {
	if rec.ID == "" || rec.OwnerID == "" {
		return errors.New("repository: UpsertConversation: id and owner are required")
	}
	now := formatTime(c.now())
	values := map[string]types.AttributeValue{
		":id":    &types.AttributeValueMemberS{Value: rec.ID},
		":owner": &types.AttributeValueMemberS{Value: rec.OwnerID},
		":title": &types.AttributeValueMemberS{Value: rec.Title},
		":state": &types.AttributeValueMemberS{Value: rec.StateData},
		":now":   &types.AttributeValueMemberS{Value: now},
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key:       key(convPK(rec.ID), skMeta),
					UpdateExpression: aws.String("SET conversationId = :id, ownerId = if_not_exists(ownerId, :owner), " +
						"title = :title, stateData = :state, updatedAt = :now, createdAt = if_not_exists(createdAt, :now)"),
					ConditionExpression:       aws.String("attribute_not_exists(PK) OR ownerId = :owner"),
					ExpressionAttributeValues: values,
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              key(userPK(rec.OwnerID), skPrefixConv+rec.ID),
					UpdateExpression: aws.String("SET conversationId = :id, title = :title, updatedAt = :now, createdAt = if_not_exists(createdAt, :now)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":id":    values[":id"],
						":title": values[":title"],
						":now":   values[":now"],
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: UpsertConversation %q: %w", rec.ID, domain.ErrNotOwner)
		}
		return fmt.Errorf("repository: UpsertConversation: %w", err)
	}
	return nil
}

// GetConversation reads a record with a strongly consistent read.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Record, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Record{}, domain.ErrConversationNotFound
	}
	rec, err := itemToRecord(out.Item)
	if err != nil {
		return domain.Record{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return rec, nil
}

// ListConversations returns the owner's conversations, most recently updated first.
func (c *Client) ListConversations(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(ownerID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixConv},
		},
	}
	var out []domain.ConversationSummary
	for i := 0; i < listPageMaxCalls; i++ {
		page, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations query: %w", err)
		}
		for _, item := range page.Items {
			s, err := itemToSummary(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversations decode: %w", err)
			}
			out = append(out, s)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// RenameConversation sets a new title on a record the owner holds.
func (c *Client) RenameConversation(ctx context.Context, conversationID, ownerID, title string) error {
	values := map[string]types.AttributeValue{
		":owner": &types.AttributeValueMemberS{Value: ownerID},
		":title": &types.AttributeValueMemberS{Value: title},
		":now":   &types.AttributeValueMemberS{Value: formatTime(c.now())},
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                 aws.String(c.tableName),
					Key:                       key(convPK(conversationID), skMeta),
					UpdateExpression:          aws.String("SET title = :title, updatedAt = :now"),
					ConditionExpression:       aws.String("attribute_exists(PK) AND ownerId = :owner"),
					ExpressionAttributeValues: values,
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              key(userPK(ownerID), skPrefixConv+conversationID),
					UpdateExpression: aws.String("SET title = :title, updatedAt = :now"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":title": values[":title"],
						":now":   values[":now"],
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return domain.ErrConversationNotFound
		}
		return fmt.Errorf("repository: RenameConversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a record and its listing entry.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, ownerID string) error {
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName:           aws.String(c.tableName),
					Key:                 key(convPK(conversationID), skMeta),
					ConditionExpression: aws.String("attribute_exists(PK) AND ownerId = :owner"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":owner": &types.AttributeValueMemberS{Value: ownerID},
					},
				},
			},
			{
				Delete: &types.Delete{
					TableName: aws.String(c.tableName),
					Key:       key(userPK(ownerID), skPrefixConv+conversationID),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return domain.ErrConversationNotFound
		}
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

// GetProfile returns the stored profile. A user without one is on the free tier.
func (c *Client) GetProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("repository: GetProfile get item: %w", err)
	}
	profile := domain.UserProfile{ID: userID, Tier: domain.TierFree}
	if out == nil || len(out.Item) == 0 {
		return profile, nil
	}
	if tier, err := strAttr(out.Item, "tier"); err == nil && tier != "" {
		profile.Tier = domain.Tier(tier)
	}
	profile.DisplayName, _ = strAttr(out.Item, "displayName") // allow empty
	if _, ok := out.Item["messageCount"]; ok {
		n, err := intAttr(out.Item, "messageCount")
		if err != nil {
			return domain.UserProfile{}, fmt.Errorf("repository: GetProfile decode messageCount: %w", err)
		}
		profile.MessageCount = n
	}
	return profile, nil
}

// IncrementMessageCount atomically adds one to the user's message count.
func (c *Client) IncrementMessageCount(ctx context.Context, userID string) (int, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(userPK(userID), skProfile),
		UpdateExpression: aws.String("ADD messageCount :one SET tier = if_not_exists(tier, :free)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":free": &types.AttributeValueMemberS{Value: string(domain.TierFree)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementMessageCount: %w", err)
	}
	if out == nil {
		return 0, errors.New("repository: IncrementMessageCount: empty response")
	}
	n, err := intAttr(out.Attributes, "messageCount")
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementMessageCount decode: %w", err)
	}
	return n, nil
}

func (c *Client) ResetMessageCount(ctx context.Context, userID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(userPK(userID), skProfile),
		UpdateExpression: aws.String("SET messageCount = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ResetMessageCount: %w", err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			if r.Code != nil && *r.Code == conditionFailed {
				return true
			}
		}
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func itemToRecord(item map[string]types.AttributeValue) (domain.Record, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Record{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.Record{}, err
	}
	state, err := strAttr(item, "stateData")
	if err != nil {
		return domain.Record{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Record{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Record{}, err
	}
	return domain.Record{
		ID:        id,
		Title:     title,
		OwnerID:   owner,
		StateData: state,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func itemToSummary(item map[string]types.AttributeValue) (domain.ConversationSummary, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	return domain.ConversationSummary{ID: id, Title: title, CreatedAt: created, UpdatedAt: updated}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
