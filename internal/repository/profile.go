package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"coach-chat/internal/domain"
)

// GetProfile returns the profile context of ownerID, or ErrNotFound.
func (c *Client) GetProfile(ctx context.Context, ownerID string) (domain.ProfileContext, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userPK(ownerID), skProfile),
	})
	if err != nil {
		return domain.ProfileContext{}, fmt.Errorf("repository: GetProfile get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ProfileContext{}, ErrNotFound
	}
	return domain.ProfileContext{
		Values:     listAttr(out.Item, "values"),
		Goals:      listAttr(out.Item, "goals"),
		Challenges: listAttr(out.Item, "challenges"),
	}, nil
}

// PutProfile replaces the profile context of ownerID.
func (c *Client) PutProfile(ctx context.Context, ownerID string, p domain.ProfileContext) error {
	item := key(userPK(ownerID), skProfile)
	item["values"] = strList(p.Values)
	item["goals"] = strList(p.Goals)
	item["challenges"] = strList(p.Challenges)
	item["updatedAt"] = s(formatTime(c.now()))

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutProfile: %w", err)
	}
	return nil
}
