package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jonathan/pick-agent/internal/types"
)

type cooldownItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	SubjectID string `dynamodbav:"subject_id"`
	Category  string `dynamodbav:"category"`
	Kind      string `dynamodbav:"kind"`
	Outcome   string `dynamodbav:"outcome"`
	RunID     string `dynamodbav:"run_id,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
	// TTL is only set for expiring outcomes; DECIDED items are kept.
	TTL int64 `dynamodbav:"ttl,omitempty"`
}

// GetCooldown reads a cooldown with a consistent read, nil if absent.
func (s *Store) GetCooldown(ctx context.Context, subjectID, category, kind string) (*types.Cooldown, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: cooldownPK(subjectID, category, kind)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: cooldownSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting cooldown: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item cooldownItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling cooldown: %w", err)
	}
	return &types.Cooldown{
		SubjectID: item.SubjectID,
		Category:  item.Category,
		Kind:      item.Kind,
		Outcome:   types.CooldownOutcome(item.Outcome),
		RunID:     item.RunID,
		ExpiresAt: time.UnixMilli(item.ExpiresAt).UTC(),
		UpdatedAt: time.UnixMilli(item.UpdatedAt).UTC(),
	}, nil
}

// UpsertCooldown puts the cooldown unless a DECIDED item already exists.
func (s *Store) UpsertCooldown(ctx context.Context, c types.Cooldown) (bool, error) {
	item := cooldownItem{
		PK:        cooldownPK(c.SubjectID, c.Category, c.Kind),
		SK:        cooldownSK(),
		SubjectID: c.SubjectID,
		Category:  c.Category,
		Kind:      c.Kind,
		Outcome:   string(c.Outcome),
		RunID:     c.RunID,
		ExpiresAt: c.ExpiresAt.UnixMilli(),
		UpdatedAt: c.UpdatedAt.UnixMilli(),
	}
	if c.Outcome != types.CooldownDecided {
		item.TTL = c.ExpiresAt.Add(ttlGrace).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return false, fmt.Errorf("marshaling cooldown: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                &s.tableName,
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #outcome <> :decided"),
		ExpressionAttributeNames: map[string]string{"#outcome": "outcome"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":decided": &ddbtypes.AttributeValueMemberS{Value: string(types.CooldownDecided)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("putting cooldown: %w", err)
	}
	return true, nil
}
