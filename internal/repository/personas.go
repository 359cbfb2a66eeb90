package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"coach-chat/internal/domain"
)

// GetPersona loads a custom persona by id, or returns ErrNotFound.
func (c *Client) GetPersona(ctx context.Context, personaID string) (domain.Persona, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(coachPK(personaID), skMeta),
	})
	if err != nil {
		return domain.Persona{}, fmt.Errorf("repository: GetPersona get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Persona{}, ErrNotFound
	}
	p, err := itemToPersona(out.Item)
	if err != nil {
		return domain.Persona{}, fmt.Errorf("repository: GetPersona decode: %w", err)
	}
	return p, nil
}

// ListPersonasByCreator returns the custom personas created by creatorID.
func (c *Client) ListPersonasByCreator(ctx context.Context, creatorID string) ([]domain.Persona, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s(userPK(creatorID)),
			":prefix": s(skPrefixCoach),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListPersonasByCreator query: %w", err)
	}
	out := make([]domain.Persona, 0, len(items))
	for _, item := range items {
		p, err := itemToPersona(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListPersonasByCreator decode: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// CreatePersona stores a new custom persona and its creator index entry. The
// persona's ID and CreatedAt are assigned here.
func (c *Client) CreatePersona(ctx context.Context, p domain.Persona) (domain.Persona, error) {
	if p.CreatorID == "" {
		return domain.Persona{}, fmt.Errorf("repository: CreatePersona: creator is required")
	}
	p.ID = c.newID()
	p.CreatedAt = c.now()
	p.Prebuilt = false

	meta := personaItem(p)
	for k, v := range key(coachPK(p.ID), skMeta) {
		meta[k] = v
	}
	index := personaItem(p)
	for k, v := range key(userPK(p.CreatorID), skPrefixCoach+p.ID) {
		index[k] = v
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                meta,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      index,
			}},
		},
	})
	if err != nil {
		return domain.Persona{}, fmt.Errorf("repository: CreatePersona: %w", err)
	}
	return p, nil
}

func personaItem(p domain.Persona) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"personaId":   s(p.ID),
		"name":        s(p.Name),
		"avatar":      s(p.Avatar),
		"specialty":   s(string(p.Specialty)),
		"description": s(p.Description),
		"instruction": s(p.Instruction),
		"public":      &types.AttributeValueMemberBOOL{Value: p.Public},
		"creatorId":   s(p.CreatorID),
		"createdAt":   s(formatTime(p.CreatedAt)),
	}
}

// itemToPersona is the read boundary for stored personas: the specialty is
// coerced onto the closed set here and nowhere else.
func itemToPersona(item map[string]types.AttributeValue) (domain.Persona, error) {
	id, err := strAttr(item, "personaId")
	if err != nil {
		return domain.Persona{}, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.Persona{}, err
	}
	instruction, err := strAttr(item, "instruction")
	if err != nil {
		return domain.Persona{}, err
	}
	created, _ := timeAttr(item, "createdAt")
	return domain.Persona{
		ID:          id,
		Name:        name,
		Avatar:      optStrAttr(item, "avatar"),
		Specialty:   domain.ParseSpecialty(optStrAttr(item, "specialty")),
		Description: optStrAttr(item, "description"),
		Instruction: instruction,
		Public:      boolAttr(item, "public"),
		CreatorID:   optStrAttr(item, "creatorId"),
		CreatedAt:   created,
	}, nil
}
