// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoItem is the row layout: a string partition key "id" and a string
// "value". The watermark lives in the row whose id is WatermarkKey.
type dynamoItem struct {
	ID        string `dynamodbav:"id"`
	Value     string `dynamodbav:"value"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

// DynamoStore keeps the checkpoint in a single DynamoDB table.
type DynamoStore struct {
	client  DynamoAPI
	table   string
	lockTTL time.Duration
	now     func() time.Time
}

var (
	_ Store  = (*DynamoStore)(nil)
	_ Locker = (*DynamoStore)(nil)
)

// DynamoOption configures a DynamoStore.
type DynamoOption func(*DynamoStore)

// WithLockTTL sets how long a run lock lease is honored before another run
// may take it over.
func WithLockTTL(ttl time.Duration) DynamoOption {
	return func(s *DynamoStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func NewDynamoStore(client DynamoAPI, table string, opts ...DynamoOption) (*DynamoStore, error) {
	if client == nil {
		return nil, errors.New("checkpoint: dynamodb client is nil")
	}
	if table == "" {
		return nil, errors.New("checkpoint: dynamodb table name is required")
	}
	s := &DynamoStore{
		client:  client,
		table:   table,
		lockTTL: 15 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoStore) GetWatermark(ctx context.Context) (time.Time, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            idKey(WatermarkKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark from %s: %w", s.table, err)
	}
	if len(out.Item) == 0 {
		return time.Time{}, false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return time.Time{}, false, fmt.Errorf("decode watermark item: %w", err)
	}
	wm, err := ParseWatermark(item.Value)
	if err != nil {
		return time.Time{}, false, err
	}
	return wm, true, nil
}

func (s *DynamoStore) PutWatermark(ctx context.Context, wm time.Time) error {
	return s.putItem(ctx, dynamoItem{ID: WatermarkKey, Value: FormatWatermark(wm)})
}

func (s *DynamoStore) ListTracked(ctx context.Context) ([]TrackedEntry, error) {
	var out []TrackedEntry
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("decode scanned items: %w", err)
		}
		for _, item := range items {
			if IsReserved(item.ID) {
				continue
			}
			out = append(out, TrackedEntry{Key: item.ID, Status: item.Value})
		}
	}
	return out, nil
}

func (s *DynamoStore) PutTracked(ctx context.Context, key, status string) error {
	if IsReserved(key) {
		return fmt.Errorf("key %q is reserved", key)
	}
	return s.putItem(ctx, dynamoItem{ID: key, Value: status})
}

func (s *DynamoStore) DeleteTracked(ctx context.Context, key string) error {
	if IsReserved(key) {
		return fmt.Errorf("key %q is reserved", key)
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       idKey(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", key, s.table, err)
	}
	return nil
}

func (s *DynamoStore) putItem(ctx context.Context, item dynamoItem) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put %s into %s: %w", item.ID, s.table, err)
	}
	return nil
}

// TryLock takes a lease row with a conditional write. An expired lease left
// behind by a crashed run is taken over.
func (s *DynamoStore) TryLock(ctx context.Context) (UnlockFunc, bool, error) {
	owner := uuid.NewString()
	now := s.now()
	av, err := attributevalue.MarshalMap(dynamoItem{
		ID:        LockKey,
		Value:     owner,
		ExpiresAt: now.Add(s.lockTTL).Unix(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode lock item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("take run lock in %s: %w", s.table, err)
	}

	unlock := func(ctx context.Context) error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.table),
			Key:                 idKey(LockKey),
			ConditionExpression: aws.String("#v = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#v": "value",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: owner},
			},
		})
		var ccf *types.ConditionalCheckFailedException
		if err != nil && !errors.As(err, &ccf) {
			return fmt.Errorf("release run lock in %s: %w", s.table, err)
		}
		return nil
	}
	return unlock, true, nil
}

// Close is a no-op; the SDK client has nothing to release.
func (s *DynamoStore) Close() error {
	return nil
}
