package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"coach-chat/internal/domain"
)

// GetConversation loads a conversation by id. It returns ErrNotFound when the
// conversation does not exist.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// FindConversation looks up the conversation owned by ownerID with coachID.
func (c *Client) FindConversation(ctx context.Context, ownerID, coachID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(ownerID), skPrefixConv+coachID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindConversation decode: %w", err)
	}
	return conv, nil
}

// CreateConversation creates the (owner, coach) conversation. If another
// writer created it first, the existing conversation is returned instead.
func (c *Client) CreateConversation(ctx context.Context, ownerID, coachID string) (domain.Conversation, error) {
	now := c.now()
	conv := domain.Conversation{
		ID:           c.newID(),
		OwnerID:      ownerID,
		CoachID:      coachID,
		CreatedAt:    now,
		LastActivity: now,
	}

	ownerItem := conversationItem(conv)
	for k, v := range key(userPK(ownerID), skPrefixConv+coachID) {
		ownerItem[k] = v
	}
	metaItem := conversationItem(conv)
	for k, v := range key(convPK(conv.ID), skMeta) {
		metaItem[k] = v
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                ownerItem,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                metaItem,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			existing, findErr := c.FindConversation(ctx, ownerID, coachID)
			if findErr != nil {
				return domain.Conversation{}, fmt.Errorf("repository: CreateConversation reload: %w", findErr)
			}
			return existing, nil
		}
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns every conversation owned by ownerID, most
// recently active first.
func (c *Client) ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s(userPK(ownerID)),
			":prefix": s(skPrefixConv),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations query: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations decode: %w", err)
		}
		convs = append(convs, conv)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})
	return convs, nil
}

// AppendExchange persists a user turn and the assistant reply to it, and
// touches the conversation's last activity, in a single transaction. Either
// both turns are written or neither is.
func (c *Client) AppendExchange(ctx context.Context, conv domain.Conversation, userText, assistantText string) ([]domain.Turn, error) {
	if !conv.Exists() || conv.OwnerID == "" || conv.CoachID == "" {
		return nil, errors.New("repository: AppendExchange: conversation id, owner and coach are required")
	}
	at := c.now()
	userTurn := domain.Turn{
		ID:             c.newID(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        userText,
		CreatedAt:      at,
	}
	assistantTurn := domain.Turn{
		ID:             c.newID(),
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        assistantText,
		CreatedAt:      at.Add(time.Nanosecond),
	}

	touch := func(pk, sk string) types.TransactWriteItem {
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(c.tableName),
				Key:                 key(pk, sk),
				UpdateExpression:    aws.String("SET lastActivity = :ts"),
				ConditionExpression: aws.String("attribute_exists(PK)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ts": s(formatTime(assistantTurn.CreatedAt)),
				},
			},
		}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(userTurn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(assistantTurn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			touch(convPK(conv.ID), skMeta),
			touch(userPK(conv.OwnerID), skPrefixConv+conv.CoachID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: AppendExchange: %w", err)
	}
	return []domain.Turn{userTurn, assistantTurn}, nil
}

// RecentTurns returns at most limit of the newest turns, in chronological order.
func (c *Client) RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s(convPK(conversationID)),
			":prefix": s(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ListTurns returns the full history of a conversation in chronological order.
func (c *Client) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s(convPK(conversationID)),
			":prefix": s(skPrefixMsg),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}
	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// LastTurn returns the newest turn of a conversation, or nil if it has none.
func (c *Client) LastTurn(ctx context.Context, conversationID string) (*domain.Turn, error) {
	turns, err := c.RecentTurns(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return &turns[0], nil
}

func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"conversationId": s(conv.ID),
		"ownerId":        s(conv.OwnerID),
		"coachId":        s(conv.CoachID),
		"createdAt":      s(formatTime(conv.CreatedAt)),
		"lastActivity":   s(formatTime(conv.LastActivity)),
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	owner, err := strAttr(item, "ownerId")
	if err != nil {
		return domain.Conversation{}, err
	}
	coach, err := strAttr(item, "coachId")
	if err != nil {
		return domain.Conversation{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	last, err := timeAttr(item, "lastActivity")
	if err != nil {
		last = created
	}
	return domain.Conversation{
		ID:           id,
		OwnerID:      owner,
		CoachID:      coach,
		CreatedAt:    created,
		LastActivity: last,
	}, nil
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             s(convPK(t.ConversationID)),
		"SK":             s(msgSK(t.CreatedAt)),
		"turnId":         s(t.ID),
		"conversationId": s(t.ConversationID),
		"role":           s(string(t.Role)),
		"content":        s(t.Content),
		"createdAt":      s(formatTime(t.CreatedAt)),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "turnId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	if role != string(domain.RoleUser) && role != string(domain.RoleAssistant) {
		return domain.Turn{}, fmt.Errorf("repository: unknown role %q", role)
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		ID:             id,
		ConversationID: optStrAttr(item, "conversationId"),
		Role:           domain.Role(role),
		Content:        content,
		CreatedAt:      created,
	}, nil
}
