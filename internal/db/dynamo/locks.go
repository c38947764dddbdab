package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jonathan/pick-agent/internal/types"
)

// ttlGrace keeps expired lock items around long enough to report their age
// before DynamoDB TTL removes them.
const ttlGrace = time.Hour

type lockItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Key        string `dynamodbav:"lock_key"`
	HolderID   string `dynamodbav:"holder_id"`
	AcquiredAt int64  `dynamodbav:"acquired_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
	TTL        int64  `dynamodbav:"ttl"`
}

func newLockItem(lock types.Lock) lockItem {
	return lockItem{
		PK:         lockPK(lock.Key),
		SK:         lockSK(),
		Key:        lock.Key,
		HolderID:   lock.HolderID,
		AcquiredAt: lock.AcquiredAt.UnixMilli(),
		ExpiresAt:  lock.ExpiresAt.UnixMilli(),
		TTL:        lock.ExpiresAt.Add(ttlGrace).Unix(),
	}
}

func (s *Store) lockKey(key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"PK": &ddbtypes.AttributeValueMemberS{Value: lockPK(key)},
		"SK": &ddbtypes.AttributeValueMemberS{Value: lockSK()},
	}
}

func millis(t time.Time) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// TryAcquireLock puts the lock item only when it is absent, expired or
// already held by the same holder.
func (s *Store) TryAcquireLock(ctx context.Context, lock types.Lock, now time.Time) (bool, error) {
	item, err := attributevalue.MarshalMap(newLockItem(lock))
	if err != nil {
		return false, fmt.Errorf("marshaling lock %s: %w", lock.Key, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #exp <= :now OR #holder = :holder"),
		ExpressionAttributeNames: map[string]string{
			"#exp":    "expires_at",
			"#holder": "holder_id",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now":    millis(now),
			":holder": &ddbtypes.AttributeValueMemberS{Value: lock.HolderID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquiring lock %s: %w", lock.Key, err)
	}
	return true, nil
}

// GetLock reads the lock item with a consistent read, nil if absent.
func (s *Store) GetLock(ctx context.Context, key string) (*types.Lock, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.lockKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting lock %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item lockItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling lock %s: %w", key, err)
	}
	return &types.Lock{
		Key:        key,
		HolderID:   item.HolderID,
		AcquiredAt: time.UnixMilli(item.AcquiredAt).UTC(),
		ExpiresAt:  time.UnixMilli(item.ExpiresAt).UTC(),
	}, nil
}

// InsertLock puts the lock item only if no item exists.
func (s *Store) InsertLock(ctx context.Context, lock types.Lock) (bool, error) {
	item, err := attributevalue.MarshalMap(newLockItem(lock))
	if err != nil {
		return false, fmt.Errorf("marshaling lock %s: %w", lock.Key, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting lock %s: %w", lock.Key, err)
	}
	return true, nil
}

// DeleteExpiredLock deletes the lock item only while it is still expired.
func (s *Store) DeleteExpiredLock(ctx context.Context, key string, now time.Time) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 &s.tableName,
		Key:                       s.lockKey(key),
		ConditionExpression:       aws.String("#exp <= :now"),
		ExpressionAttributeNames:  map[string]string{"#exp": "expires_at"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":now": millis(now)},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting expired lock %s: %w", key, err)
	}
	return true, nil
}

// DeleteLock deletes the lock item only if holderID holds it.
func (s *Store) DeleteLock(ctx context.Context, key, holderID string) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                &s.tableName,
		Key:                      s.lockKey(key),
		ConditionExpression:      aws.String("#holder = :holder"),
		ExpressionAttributeNames: map[string]string{"#holder": "holder_id"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":holder": &ddbtypes.AttributeValueMemberS{Value: holderID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return true, nil
}
