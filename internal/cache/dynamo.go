package cache

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DynamoAPI is the subset of *dynamodb.Client used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoConfig locates the cache table.
type DynamoConfig struct {
	Table           string
	Region          string
	Endpoint        string // optional; e.g. http://localhost:8000 for DynamoDB Local
	AccessKeyID     string
	SecretAccessKey string
}

// NewDynamoClient builds a DynamoDB client. When an endpoint is set the
// client talks to that endpoint with static credentials (DynamoDB Local
// ignores them but the SDK requires some).
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.Endpoint != "" || cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				valueOr(cfg.AccessKeyID, "local"),
				valueOr(cfg.SecretAccessKey, "local"),
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "cache: load aws config")
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// dynamoItem is the stored shape. expires_at is epoch seconds so the
// table's native TTL attribute can reap entries.
type dynamoItem struct {
	Key       string `dynamodbav:"cache_key"`
	Value     string `dynamodbav:"value"`
	CachedAt  string `dynamodbav:"cached_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// Dynamo stores estimates in a DynamoDB table keyed by cache_key.
type Dynamo struct {
	api   DynamoAPI
	table string
	now   func() time.Time
}

// NewDynamo returns a Dynamo cache over the given client and table.
func NewDynamo(api DynamoAPI, table string) *Dynamo {
	if table == "" {
		table = "headcount_estimates"
	}
	return &Dynamo{api: api, table: table, now: time.Now}
}

func (d *Dynamo) Get(ctx context.Context, entity, region string) (string, bool) {
	key := Key(entity, region)
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"cache_key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		zap.L().Warn("cache: dynamodb get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if out == nil || len(out.Item) == 0 {
		return "", false
	}

	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		zap.L().Warn("cache: dynamodb item unreadable", zap.String("key", key), zap.Error(err))
		return "", false
	}
	// TTL deletion is lazy, so expired items can still be returned.
	if d.now().Unix() > it.ExpiresAt {
		return "", false
	}
	return it.Value, true
}

func (d *Dynamo) Set(ctx context.Context, entity, region, value string, ttl time.Duration) {
	key := Key(entity, region)
	now := d.now().UTC()
	av, err := attributevalue.MarshalMap(dynamoItem{
		Key:       key,
		Value:     value,
		CachedAt:  now.Format(time.RFC3339),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		zap.L().Warn("cache: dynamodb marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if _, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}); err != nil {
		zap.L().Warn("cache: dynamodb put failed, skipping", zap.String("key", key),
			zap.Duration("ttl", ttl), zap.Error(err))
	}
}

func valueOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
