package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GetUsage returns the number of free messages ownerID sent on the UTC day of
// day. A missing counter reads as zero.
func (c *Client) GetUsage(ctx context.Context, ownerID string, day time.Time) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(ownerID), usageSK(day)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetUsage get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	count, err := intAttr(out.Item, "messageCount")
	if err != nil {
		return 0, fmt.Errorf("repository: GetUsage decode messageCount: %w", err)
	}
	return count, nil
}

// IncrementUsage atomically adds one to the day's counter and returns the
// post-increment value. Concurrent increments never collapse.
func (c *Client) IncrementUsage(ctx context.Context, ownerID string, day time.Time) (int, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(userPK(ownerID), usageSK(day)),
		UpdateExpression: aws.String("ADD messageCount :one SET #ttl = if_not_exists(#ttl, :ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": n(1),
			":ttl": n(day.UTC().Add(usageTTL).Unix()),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementUsage: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return 0, fmt.Errorf("repository: IncrementUsage: no attributes returned")
	}
	count, err := intAttr(out.Attributes, "messageCount")
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementUsage decode messageCount: %w", err)
	}
	return count, nil
}
