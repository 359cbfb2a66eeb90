package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GetEntitlement reports whether ownerID holds unlimited access. An absent
// record means not entitled.
func (c *Client) GetEntitlement(ctx context.Context, ownerID string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(ownerID), skEntitlement),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: GetEntitlement get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return false, nil
	}
	return boolAttr(out.Item, "unlimited"), nil
}

// PutEntitlement mirrors the billing provider's answer into durable storage.
func (c *Client) PutEntitlement(ctx context.Context, ownerID string, unlimited bool, source string) error {
	item := key(userPK(ownerID), skEntitlement)
	item["unlimited"] = &types.AttributeValueMemberBOOL{Value: unlimited}
	item["source"] = s(source)
	item["updatedAt"] = s(formatTime(c.now()))

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutEntitlement: %w", err)
	}
	return nil
}
