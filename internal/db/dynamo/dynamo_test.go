package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/types"
)

// mockDDB is a minimal mock of the DDBAPI interface for unit testing.
type mockDDB struct {
	putItemFn       func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	getItemFn       func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	deleteItemFn    func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	describeTableFn func(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

func (m *mockDDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFn != nil {
		return m.putItemFn(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFn != nil {
		return m.getItemFn(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDB) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFn != nil {
		return m.deleteItemFn(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDDB) DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTableFn != nil {
		return m.describeTableFn(ctx, input, opts...)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

var (
	t0        = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	condError = &ddbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
)

func strAttr(t *testing.T, item map[string]ddbtypes.AttributeValue, key string) string {
	t.Helper()
	var s string
	require.NoError(t, attributevalue.Unmarshal(item[key], &s))
	return s
}

func TestTryAcquireLock_Granted(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	s := NewWithClient(mock, "test-table")

	granted, err := s.TryAcquireLock(context.Background(), types.Lock{
		Key: "cap_nba_total_lock", HolderID: "scheduler-1", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute),
	}, t0)
	require.NoError(t, err)
	assert.True(t, granted)

	require.NotNil(t, captured)
	assert.Equal(t, "test-table", *captured.TableName)
	assert.Equal(t, "LOCK#cap_nba_total_lock", strAttr(t, captured.Item, "PK"))
	assert.Equal(t, "scheduler-1", strAttr(t, captured.Item, "holder_id"))
	assert.Contains(t, *captured.ConditionExpression, "attribute_not_exists(PK)")
	assert.Contains(t, *captured.ConditionExpression, "#holder = :holder")
}

func TestTryAcquireLock_Held(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, condError
		},
	}
	s := NewWithClient(mock, "test-table")

	granted, err := s.TryAcquireLock(context.Background(), types.Lock{Key: "k", HolderID: "h", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute)}, t0)
	require.NoError(t, err, "contention is not an error")
	assert.False(t, granted)
}

func TestTryAcquireLock_ServiceError(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	s := NewWithClient(mock, "test-table")

	_, err := s.TryAcquireLock(context.Background(), types.Lock{Key: "k", HolderID: "h", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute)}, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestGetLock(t *testing.T) {
	item, err := attributevalue.MarshalMap(newLockItem(types.Lock{Key: "k", HolderID: "h", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute)}))
	require.NoError(t, err)

	mock := &mockDDB{
		getItemFn: func(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			assert.True(t, *input.ConsistentRead)
			if strAttr(t, input.Key, "PK") == "LOCK#k" {
				return &dynamodb.GetItemOutput{Item: item}, nil
			}
			return &dynamodb.GetItemOutput{}, nil
		},
	}
	s := NewWithClient(mock, "test-table")

	l, err := s.GetLock(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "h", l.HolderID)
	assert.True(t, l.ExpiresAt.Equal(t0.Add(time.Minute)))

	missing, err := s.GetLock(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeleteLock_Conditions(t *testing.T) {
	var inputs []*dynamodb.DeleteItemInput
	mock := &mockDDB{
		deleteItemFn: func(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			inputs = append(inputs, input)
			if len(inputs) == 1 {
				return nil, condError
			}
			return &dynamodb.DeleteItemOutput{}, nil
		},
	}
	s := NewWithClient(mock, "test-table")

	ok, err := s.DeleteLock(context.Background(), "k", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteExpiredLock(context.Background(), "k", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, inputs, 2)
	assert.Equal(t, "#holder = :holder", *inputs[0].ConditionExpression)
	assert.Equal(t, "#exp <= :now", *inputs[1].ConditionExpression)
}

func TestUpsertCooldown(t *testing.T) {
	var captured []*dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = append(captured, input)
			if len(captured) == 2 {
				return nil, condError
			}
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	s := NewWithClient(mock, "test-table")
	ctx := context.Background()

	applied, err := s.UpsertCooldown(ctx, types.Cooldown{SubjectID: "cap:g1", Category: "nba", Kind: "total",
		Outcome: types.CooldownDecided, RunID: "r1", ExpiresAt: types.PermanentExpiry, UpdatedAt: t0})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.UpsertCooldown(ctx, types.Cooldown{SubjectID: "cap:g1", Category: "nba", Kind: "total",
		Outcome: types.CooldownPass, RunID: "r2", ExpiresAt: t0.Add(time.Hour), UpdatedAt: t0})
	require.NoError(t, err)
	assert.False(t, applied, "DECIDED item refuses the write")

	require.Len(t, captured, 2)
	assert.Equal(t, "COOLDOWN#cap:g1#nba#total", strAttr(t, captured[0].Item, "PK"))
	_, hasTTL := captured[0].Item["ttl"]
	assert.False(t, hasTTL, "DECIDED items never expire")
	_, hasTTL = captured[1].Item["ttl"]
	assert.True(t, hasTTL)
}

func TestGetCooldown(t *testing.T) {
	item, err := attributevalue.MarshalMap(cooldownItem{
		PK: cooldownPK("cap:g1", "nba", "total"), SK: cooldownSK(),
		SubjectID: "cap:g1", Category: "nba", Kind: "total", Outcome: "PASS", RunID: "r1",
		ExpiresAt: t0.Add(time.Hour).UnixMilli(), UpdatedAt: t0.UnixMilli(),
	})
	require.NoError(t, err)
	mock := &mockDDB{
		getItemFn: func(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	}
	s := NewWithClient(mock, "test-table")

	c, err := s.GetCooldown(context.Background(), "cap:g1", "nba", "total")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.CooldownPass, c.Outcome)
	assert.Equal(t, "r1", c.RunID)
	assert.True(t, c.ExpiresAt.Equal(t0.Add(time.Hour)))
}

func TestPing(t *testing.T) {
	mock := &mockDDB{
		describeTableFn: func(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
			return nil, errors.New("no such table")
		},
	}
	err := NewWithClient(mock, "missing").Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamodb ping failed")
}
