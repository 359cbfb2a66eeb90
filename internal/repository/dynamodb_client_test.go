package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"coach-chat/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getOuts   []*dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateOut *dynamodb.UpdateItemOutput
	updateErr error
	queryOut  *dynamodb.QueryOutput
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	txErr     error

	getCalls        int
	queryCalls      int
	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastQueryIn     *dynamodb.QueryInput
	lastTxInput     *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	f.getCalls++
	if len(f.getOuts) > 0 {
		out := f.getOuts[0]
		f.getOuts = f.getOuts[1:]
		return out, f.getErr
	}
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	f.queryCalls++
	if len(f.queryOuts) > 0 {
		out := f.queryOuts[0]
		f.queryOuts = f.queryOuts[1:]
		return out, f.queryErr
	}
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	seq := 0
	c, err := New(db, "test-table", func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	})
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func makeTurnItem(convID, turnID string, role domain.Role, content string, at time.Time) map[string]types.AttributeValue {
	return turnItem(domain.Turn{ID: turnID, ConversationID: convID, Role: role, Content: content, CreatedAt: at})
}

func makeConvItem(id, owner, coach string, last time.Time) map[string]types.AttributeValue {
	return conversationItem(domain.Conversation{ID: id, OwnerID: owner, CoachID: coach, CreatedAt: last.Add(-time.Hour), LastActivity: last})
}

func strVal(t *testing.T, av types.AttributeValue) string {
	t.Helper()
	sv, ok := av.(*types.AttributeValueMemberS)
	require.True(t, ok)
	return sv.Value
}

func TestNew_ValidatesArguments(t *testing.T) {
	_, err := New(nil, "t", func() string { return "x" })
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ", func() string { return "x" })
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "t", nil)
	require.Error(t, err)
}

func TestMsgSK_SortsChronologically(t *testing.T) {
	a := msgSK(time.Date(2026, 1, 1, 0, 0, 0, 100_000_000, time.UTC))
	b := msgSK(time.Date(2026, 1, 1, 0, 0, 0, 120_000_000, time.UTC))
	c := msgSK(time.Date(2026, 1, 1, 0, 0, 0, 120_000_001, time.UTC))
	require.Less(t, a, b)
	require.Less(t, b, c)
	require.Len(t, a, len(c))
}

func TestDayKey_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	require.Equal(t, "2026-03-15", DayKey(time.Date(2026, 3, 14, 20, 0, 0, 0, loc)))
}

func TestGetConversation_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeConvItem("c1", "u1", "coach-1", fixedNow)}}
	c := mustNewClient(t, db)
	conv, err := c.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "u1", conv.OwnerID)
	require.Equal(t, "coach-1", conv.CoachID)
	require.Equal(t, "CONV#c1", strVal(t, db.lastGetInput.Key["PK"]))
	require.Equal(t, skMeta, strVal(t, db.lastGetInput.Key["SK"]))
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestGetConversation_NotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetConversation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetConversation_GetItemError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetConversation(context.Background(), "c1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetConversation")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestFindConversation_KeyedByOwnerAndCoach(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeConvItem("c1", "u1", "coach-1", fixedNow)}}
	c := mustNewClient(t, db)
	conv, err := c.FindConversation(context.Background(), "u1", "coach-1")
	require.NoError(t, err)
	require.Equal(t, "c1", conv.ID)
	require.Equal(t, "USER#u1", strVal(t, db.lastGetInput.Key["PK"]))
	require.Equal(t, "CONV#coach-1", strVal(t, db.lastGetInput.Key["SK"]))
}

func TestCreateConversation_WritesBothItemsConditionally(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	conv, err := c.CreateConversation(context.Background(), "u1", "coach-1")
	require.NoError(t, err)
	require.Equal(t, "id-1", conv.ID)
	require.Equal(t, fixedNow, conv.CreatedAt)

	require.Len(t, db.lastTxInput.TransactItems, 2)
	owner := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "USER#u1", strVal(t, owner.Item["PK"]))
	require.Equal(t, "CONV#coach-1", strVal(t, owner.Item["SK"]))
	require.Contains(t, aws.ToString(owner.ConditionExpression), "attribute_not_exists")
	meta := db.lastTxInput.TransactItems[1].Put
	require.Equal(t, "CONV#id-1", strVal(t, meta.Item["PK"]))
}

func TestCreateConversation_LostRaceReturnsExisting(t *testing.T) {
	db := &fakeDynamo{
		txErr: &types.TransactionCanceledException{
			CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}, {Code: aws.String("None")}},
		},
		getOut: &dynamodb.GetItemOutput{Item: makeConvItem("winner", "u1", "coach-1", fixedNow)},
	}
	c := mustNewClient(t, db)
	conv, err := c.CreateConversation(context.Background(), "u1", "coach-1")
	require.NoError(t, err)
	require.Equal(t, "winner", conv.ID)
}

func TestCreateConversation_TransactionError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: errors.New("throttled")})
	_, err := c.CreateConversation(context.Background(), "u1", "coach-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "CreateConversation")
}

func TestListConversations_SortedByLastActivity(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		makeConvItem("old", "u1", "a", fixedNow.Add(-2*time.Hour)),
		makeConvItem("new", "u1", "b", fixedNow),
		makeConvItem("mid", "u1", "c", fixedNow.Add(-time.Hour)),
	}}}
	c := mustNewClient(t, db)
	convs, err := c.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, convs, 3)
	require.Equal(t, []string{"new", "mid", "old"}, []string{convs[0].ID, convs[1].ID, convs[2].ID})
}

func TestAppendExchange_WritesPairAtomically(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	conv := domain.Conversation{ID: "c1", OwnerID: "u1", CoachID: "coach-1"}

	turns, err := c.AppendExchange(context.Background(), conv, "hi coach", "hello!")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, domain.RoleAssistant, turns[1].Role)
	require.True(t, turns[1].CreatedAt.After(turns[0].CreatedAt))

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 4)
	userSK := strVal(t, items[0].Put.Item["SK"])
	assistantSK := strVal(t, items[1].Put.Item["SK"])
	require.True(t, strings.HasPrefix(userSK, skPrefixMsg))
	require.Less(t, userSK, assistantSK)
	require.Equal(t, "hi coach", strVal(t, items[0].Put.Item["content"]))
	require.Equal(t, "hello!", strVal(t, items[1].Put.Item["content"]))
	require.NotNil(t, items[2].Update)
	require.NotNil(t, items[3].Update)
	require.Equal(t, "CONV#coach-1", strVal(t, items[3].Update.Key["SK"]))
}

func TestAppendExchange_RequiresConversation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.AppendExchange(context.Background(), domain.Conversation{}, "a", "b")
	require.Error(t, err)
}

func TestAppendExchange_TransactionError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: errors.New("boom")})
	_, err := c.AppendExchange(context.Background(), domain.Conversation{ID: "c1", OwnerID: "u1", CoachID: "x"}, "a", "b")
	require.Error(t, err)
	require.Contains(t, err.Error(), "AppendExchange")
}

func TestRecentTurns_ReturnsChronologicalOrder(t *testing.T) {
	// Query returns newest first.
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		makeTurnItem("c1", "t3", domain.RoleAssistant, "third", fixedNow.Add(2*time.Second)),
		makeTurnItem("c1", "t2", domain.RoleUser, "second", fixedNow.Add(time.Second)),
		makeTurnItem("c1", "t1", domain.RoleAssistant, "first", fixedNow),
	}}}
	c := mustNewClient(t, db)
	turns, err := c.RecentTurns(context.Background(), "c1", 20)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, []string{turns[0].Content, turns[1].Content, turns[2].Content})
	require.False(t, aws.ToBool(db.lastQueryIn.ScanIndexForward))
	require.Equal(t, int32(20), aws.ToInt32(db.lastQueryIn.Limit))
}

func TestRecentTurns_ZeroLimit(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	turns, err := c.RecentTurns(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Empty(t, turns)
	require.Zero(t, db.queryCalls)
}

func TestRecentTurns_MalformedRole(t *testing.T) {
	item := makeTurnItem("c1", "t1", domain.RoleUser, "x", fixedNow)
	item["role"] = s("system")
	c := mustNewClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}})
	_, err := c.RecentTurns(context.Background(), "c1", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown role")
}

func TestListTurns_FollowsPagination(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{makeTurnItem("c1", "t1", domain.RoleUser, "q", fixedNow)},
			LastEvaluatedKey: key("CONV#c1", msgSK(fixedNow)),
		},
		{
			Items: []map[string]types.AttributeValue{makeTurnItem("c1", "t2", domain.RoleAssistant, "a", fixedNow.Add(time.Nanosecond))},
		},
	}}
	c := mustNewClient(t, db)
	turns, err := c.ListTurns(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, 2, db.queryCalls)
	require.NotNil(t, db.lastQueryIn.ExclusiveStartKey)
}

func TestLastTurn_Empty(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{}})
	turn, err := c.LastTurn(context.Background(), "c1")
	require.NoError(t, err)
	require.Nil(t, turn)
}

func TestGetUsage_MissingCounterIsZero(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	count, err := c.GetUsage(context.Background(), "u1", fixedNow)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestGetUsage_KeyedByUTCDay(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"messageCount": n(7)}}}
	c := mustNewClient(t, db)
	count, err := c.GetUsage(context.Background(), "u1", fixedNow)
	require.NoError(t, err)
	require.Equal(t, 7, count)
	require.Equal(t, "USAGE#2026-03-14", strVal(t, db.lastGetInput.Key["SK"]))
}

func TestGetUsage_Malformed(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"messageCount": s("seven")}}}
	c := mustNewClient(t, db)
	_, err := c.GetUsage(context.Background(), "u1", fixedNow)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode messageCount")
}

func TestIncrementUsage_UsesAtomicAdd(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{"messageCount": n(4)}}}
	c := mustNewClient(t, db)
	count, err := c.IncrementUsage(context.Background(), "u1", fixedNow)
	require.NoError(t, err)
	require.Equal(t, 4, count)
	require.Contains(t, aws.ToString(db.lastUpdateInput.UpdateExpression), "ADD messageCount :one")
	require.Equal(t, types.ReturnValueUpdatedNew, db.lastUpdateInput.ReturnValues)
}

func TestIncrementUsage_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("boom")})
	_, err := c.IncrementUsage(context.Background(), "u1", fixedNow)
	require.Error(t, err)

	c = mustNewClient(t, &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{}})
	_, err = c.IncrementUsage(context.Background(), "u1", fixedNow)
	require.Error(t, err)
}

func TestEntitlement_RoundTrip(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	ok, err := c.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, ok, "missing record means not entitled")

	require.NoError(t, c.PutEntitlement(context.Background(), "u1", true, "billing"))
	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	ok, err = c.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProfile_NotFoundAndPut(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, err := c.GetProfile(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotFound)

	p := domain.ProfileContext{Values: []string{"honesty"}, Goals: []string{"ship", "rest"}}
	require.NoError(t, c.PutProfile(context.Background(), "u1", p))
	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"honesty"}, got.Values)
	require.Equal(t, []string{"ship", "rest"}, got.Goals)
	require.Empty(t, got.Challenges)
}

func TestPersona_CreateAndRead(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	created, err := c.CreatePersona(context.Background(), domain.Persona{
		Name:        "Coach K",
		Specialty:   domain.SpecialtyFocus,
		Instruction: "Be brief.",
		CreatorID:   "u1",
	})
	require.NoError(t, err)
	require.Equal(t, "id-1", created.ID)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastTxInput.TransactItems[0].Put.Item}
	got, err := c.GetPersona(context.Background(), "id-1")
	require.NoError(t, err)
	require.Equal(t, "Coach K", got.Name)
	require.Equal(t, "u1", got.CreatorID)
	require.False(t, got.Prebuilt)
}

func TestPersona_UnknownSpecialtyCoercedOnRead(t *testing.T) {
	item := personaItem(domain.Persona{ID: "p1", Name: "X", Instruction: "i", CreatorID: "u1"})
	item["specialty"] = s("astrology")
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c := mustNewClient(t, db)
	list, err := c.ListPersonasByCreator(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, domain.SpecialtyCustom, list[0].Specialty)
}

func TestCreatePersona_RequiresCreator(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.CreatePersona(context.Background(), domain.Persona{Name: "x"})
	require.Error(t, err)
}
