package cache

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// DynamoDBAPI is the subset of *dynamodb.Client used by DynamoDB.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBConfig configures a DynamoDB backend.
type DynamoDBConfig struct {
	Table string
	// ItemExpiration is written to the expired_at attribute so a table TTL
	// can reclaim entries nobody rewrote. Items past it read as misses.
	ItemExpiration time.Duration
}

const defaultItemExpiration = 7 * 24 * time.Hour

// DynamoDB is a Backend on an Amazon DynamoDB table keyed by the string
// attribute "cache_key".
type DynamoDB struct {
	client     DynamoDBAPI
	table      string
	expiration time.Duration
	now        func() time.Time

	health *health
}

type dynamoItem struct {
	Key       string `dynamodbav:"cache_key"`
	Value     []byte `dynamodbav:"cache_value"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
	ExpiredAt int64  `dynamodbav:"expired_at"`
}

func NewDynamoDB(client DynamoDBAPI, cfg DynamoDBConfig, logger zerolog.Logger) (*DynamoDB, error) {
	if client == nil {
		return nil, ValidationError{Reason: "nil client"}
	}
	if cfg.Table == "" {
		return nil, ValidationError{Reason: "empty table name"}
	}
	exp := cfg.ItemExpiration
	if exp <= 0 {
		exp = defaultItemExpiration
	}
	logger = logger.With().Str("component", "dynamodb-cache").Str("table", cfg.Table).Logger()
	return &DynamoDB{
		client:     client,
		table:      cfg.Table,
		expiration: exp,
		now:        time.Now,
		health:     newHealth(logger),
	}, nil
}

func (c *DynamoDB) Name() string  { return "DynamoDB" }
func (c *DynamoDB) Healthy() bool { return c.health.healthy() }

func (c *DynamoDB) keyAttr(key string) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(key)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{"cache_key": av}, nil
}

func (c *DynamoDB) Get(ctx context.Context, key string) ([]byte, bool) {
	k, err := c.keyAttr(key)
	if err != nil {
		c.health.fail("get", err)
		return nil, false
	}
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            k,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		c.health.fail("get", err)
		return nil, false
	}
	c.health.ok()
	if out.Item == nil {
		return nil, false
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		c.health.fail("get", err)
		return nil, false
	}
	// Table TTL deletion is lazy.
	if item.ExpiredAt > 0 && c.now().Unix() >= item.ExpiredAt {
		return nil, false
	}
	return item.Value, true
}

func (c *DynamoDB) Put(ctx context.Context, key string, value []byte) {
	now := c.now()
	av, err := attributevalue.MarshalMap(dynamoItem{
		Key:       key,
		Value:     value,
		UpdatedAt: now.Unix(),
		ExpiredAt: now.Add(c.expiration).Unix(),
	})
	if err != nil {
		c.health.fail("put", err)
		return
	}
	if _, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      av,
	}); err != nil {
		c.health.fail("put", err)
		return
	}
	c.health.ok()
}

func (c *DynamoDB) Delete(ctx context.Context, key string) {
	k, err := c.keyAttr(key)
	if err != nil {
		c.health.fail("delete", err)
		return
	}
	if _, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		Key:       k,
		TableName: aws.String(c.table),
	}); err != nil {
		c.health.fail("delete", err)
	}
}
