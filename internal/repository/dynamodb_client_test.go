package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"market-chat/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	updateOut    *dynamodb.UpdateItemOutput
	updateErr    error
	queryPages   []*dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	queryInputs  []dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	if f.updateOut == nil {
		return &dynamodb.UpdateItemOutput{}, f.updateErr
	}
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, *in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func str(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}

func conditionCanceled() error {
	return &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String(conditionFailed)},
			{Code: aws.String("None")},
		},
	}
}

func makeConvItem(id, owner, title, updated string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             str(convPK(id)),
		"SK":             str(skMeta),
		"conversationId": str(id),
		"ownerId":        str(owner),
		"title":          str(title),
		"stateData":      str(`{"chatId":"` + id + `","messages":[]}`),
		"createdAt":      str("2026-01-01T00:00:00Z"),
		"updatedAt":      str(updated),
	}
}

func makeListItem(owner, id, title, updated string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             str(userPK(owner)),
		"SK":             str(skPrefixConv + id),
		"conversationId": str(id),
		"title":          str(title),
		"createdAt":      str("2026-01-01T00:00:00Z"),
		"updatedAt":      str(updated),
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestUpsertConversation_WritesRecordAndListingInOneTransaction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.UpsertConversation(context.Background(), domain.Record{
		ID: "abc", OwnerID: "u1", Title: "price of AAPL", StateData: `{"chatId":"abc","messages":[]}`,
	})
	require.NoError(t, err)
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	conv := db.lastTxInput.TransactItems[0].Update
	require.NotNil(t, conv)
	require.Equal(t, "CONV#abc", conv.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, conv.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) OR ownerId = :owner", aws.ToString(conv.ConditionExpression))
	require.Contains(t, aws.ToString(conv.UpdateExpression), "createdAt = if_not_exists(createdAt, :now)")
	require.Equal(t, "2026-03-01T12:00:00Z", conv.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value)

	listing := db.lastTxInput.TransactItems[1].Update
	require.NotNil(t, listing)
	require.Equal(t, "USER#u1", listing.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "CONV#abc", listing.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "price of AAPL", listing.ExpressionAttributeValues[":title"].(*types.AttributeValueMemberS).Value)
}

func TestUpsertConversation_OtherOwner(t *testing.T) {
	db := &fakeDynamo{txErr: conditionCanceled()}
	c := mustNewClient(t, db)

	err := c.UpsertConversation(context.Background(), domain.Record{ID: "abc", OwnerID: "u2", StateData: "{}"})
	require.ErrorIs(t, err, domain.ErrNotOwner)
}

func TestUpsertConversation_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.UpsertConversation(context.Background(), domain.Record{ID: "abc"}))

	db := &fakeDynamo{txErr: errors.New("throttled")}
	c = mustNewClient(t, db)
	err := c.UpsertConversation(context.Background(), domain.Record{ID: "abc", OwnerID: "u1"})
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrNotOwner)
	require.Contains(t, err.Error(), "UpsertConversation")
}

func TestGetConversation_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeConvItem("abc", "u1", "hello", "2026-02-01T10:00:00Z")}}
	c := mustNewClient(t, db)

	rec, err := c.GetConversation(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", rec.ID)
	require.Equal(t, "u1", rec.OwnerID)
	require.Equal(t, "hello", rec.Title)
	require.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), rec.UpdatedAt)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestGetConversation_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetConversation(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestGetConversation_Malformed(t *testing.T) {
	item := makeConvItem("abc", "u1", "hello", "yesterday")
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := c.GetConversation(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestListConversations_PagesAndSortsByUpdatedDesc(t *testing.T) {
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{
			Items: []map[string]types.AttributeValue{
				makeListItem("u1", "old", "Old", "2026-01-02T00:00:00Z"),
			},
			LastEvaluatedKey: key(userPK("u1"), skPrefixConv+"old"),
		},
		{
			Items: []map[string]types.AttributeValue{
				makeListItem("u1", "new", "New", "2026-01-05T00:00:00Z"),
				makeListItem("u1", "mid", "Mid", "2026-01-03T00:00:00Z"),
			},
		},
	}}
	c := mustNewClient(t, db)

	got, err := c.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"new", "mid", "old"}, []string{got[0].ID, got[1].ID, got[2].ID})

	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
	require.Equal(t, "USER#u1", db.queryInputs[0].ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestListConversations_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, err := c.ListConversations(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ListConversations")
}

func TestRenameConversation(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.RenameConversation(context.Background(), "abc", "u1", "Renamed"))
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.Equal(t, "attribute_exists(PK) AND ownerId = :owner",
		aws.ToString(db.lastTxInput.TransactItems[0].Update.ConditionExpression))

	db.txErr = conditionCanceled()
	err := c.RenameConversation(context.Background(), "abc", "u2", "Renamed")
	require.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestDeleteConversation(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.DeleteConversation(context.Background(), "abc", "u1"))
	require.NotNil(t, db.lastTxInput.TransactItems[0].Delete)
	require.NotNil(t, db.lastTxInput.TransactItems[1].Delete)
	require.Equal(t, "CONV#abc", db.lastTxInput.TransactItems[1].Delete.Key["SK"].(*types.AttributeValueMemberS).Value)

	db.txErr = conditionCanceled()
	require.ErrorIs(t, c.DeleteConversation(context.Background(), "abc", "u1"), domain.ErrConversationNotFound)

	db.txErr = errors.New("network")
	err := c.DeleteConversation(context.Background(), "abc", "u1")
	require.NotErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestGetProfile(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	p, err := c.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, domain.UserProfile{ID: "u1", Tier: domain.TierFree}, p)

	c = mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"tier":         str("premium"),
		"displayName":  str("Dana"),
		"messageCount": &types.AttributeValueMemberN{Value: "4"},
	}}})
	p, err = c.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, domain.TierPremium, p.Tier)
	require.Equal(t, "Dana", p.DisplayName)
	require.Equal(t, 4, p.MessageCount)
}

func TestGetProfile_MalformedCount(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"messageCount": str("four"),
	}}})
	_, err := c.GetProfile(context.Background(), "u1")
	require.Error(t, err)
}

func TestIncrementMessageCount(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"messageCount": &types.AttributeValueMemberN{Value: "3"},
	}}}
	c := mustNewClient(t, db)

	n, err := c.IncrementMessageCount(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, types.ReturnValueUpdatedNew, db.lastUpdateIn.ReturnValues)
	require.Contains(t, aws.ToString(db.lastUpdateIn.UpdateExpression), "ADD messageCount :one")
}

func TestIncrementMessageCount_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("boom")})
	_, err := c.IncrementMessageCount(context.Background(), "u1")
	require.Error(t, err)
}

func TestResetMessageCount(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ResetMessageCount(context.Background(), "u1"))
	require.Equal(t, "0", db.lastUpdateIn.ExpressionAttributeValues[":zero"].(*types.AttributeValueMemberN).Value)
}
