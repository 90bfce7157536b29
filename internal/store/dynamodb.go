package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vqmeter/vqmeter/pkg/models"
)

// DynamoDB is a Store backed by a single DynamoDB table.
//
// Key layout:
//
//	ASSET#<id> / METADATA          asset record, GSI1 ALL_ASSETS
//	JOB#<id>   / METADATA          job record,   GSI1 ALL_JOBS, GSI1 BATCH#<id> when batched
//	JOB#<id>   / UNIT#<idx 08d>    one per-frame record
//	BATCH#<id> / METADATA          batch record
type DynamoDB struct {
	client    dynamoAPI
	tableName string
}

// dynamoAPI is the slice of the DynamoDB client this store calls.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// NewDynamoDB creates a Store on an existing DynamoDB client.
func NewDynamoDB(client *dynamodb.Client, tableName string) (*DynamoDB, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	return &DynamoDB{client: client, tableName: tableName}, nil
}

type assetItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	models.VideoAsset
}

type jobItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	GSI2PK string `dynamodbav:"gsi2pk,omitempty"`
	models.Job
}

type unitItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.UnitQuality
}

type batchItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.Batch
}

func (d *DynamoDB) CreateAsset(ctx context.Context, asset *models.VideoAsset) error {
	item, err := attributevalue.MarshalMap(assetItem{
		PK:         "ASSET#" + asset.ID,
		SK:         "METADATA",
		GSI1PK:     "ALL_ASSETS",
		GSI1SK:     asset.CreatedAt + "#" + asset.ID,
		VideoAsset: *asset,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal asset: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("asset already exists: %s", asset.ID)
		}
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (d *DynamoDB) GetAsset(ctx context.Context, id string) (*models.VideoAsset, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       metadataKey("ASSET#" + id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrAssetNotFound
	}

	var item assetItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asset: %w", err)
	}
	return &item.VideoAsset, nil
}

func (d *DynamoDB) ListAssets(ctx context.Context, offset, limit int) ([]models.VideoAsset, int, error) {
	items, err := d.queryIndex(ctx, "ALL_ASSETS")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list assets: %w", err)
	}

	var all []assetItem
	if err := attributevalue.UnmarshalListOfMaps(items, &all); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal assets: %w", err)
	}

	total := len(all)
	all = page(all, offset, limit)
	out := make([]models.VideoAsset, len(all))
	for i, item := range all {
		out[i] = item.VideoAsset
	}
	return out, total, nil
}

func (d *DynamoDB) CreateJob(ctx context.Context, job *models.Job) error {
	it := jobItem{
		PK:     "JOB#" + job.ID,
		SK:     "METADATA",
		GSI1PK: "ALL_JOBS",
		GSI1SK: job.CreatedAt + "#" + job.ID,
		Job:    *job,
	}
	if job.BatchID != "" {
		it.GSI2PK = "BATCH#" + job.BatchID
	}

	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (d *DynamoDB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       metadataKey("JOB#" + id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrJobNotFound
	}

	var item jobItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &item.Job, nil
}

func (d *DynamoDB) UpdateJob(ctx context.Context, job *models.Job) error {
	it := jobItem{
		PK:     "JOB#" + job.ID,
		SK:     "METADATA",
		GSI1PK: "ALL_JOBS",
		GSI1SK: job.CreatedAt + "#" + job.ID,
		Job:    *job,
	}
	if job.BatchID != "" {
		it.GSI2PK = "BATCH#" + job.BatchID
	}

	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return models.ErrJobNotFound
		}
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (d *DynamoDB) ListJobs(ctx context.Context, offset, limit int) ([]models.Job, int, error) {
	items, err := d.queryIndex(ctx, "ALL_JOBS")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	var all []jobItem
	if err := attributevalue.UnmarshalListOfMaps(items, &all); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal jobs: %w", err)
	}

	total := len(all)
	all = page(all, offset, limit)
	out := make([]models.Job, len(all))
	for i, item := range all {
		out[i] = item.Job
	}
	return out, total, nil
}

func (d *DynamoDB) ListJobsByBatch(ctx context.Context, batchID string) ([]models.Job, error) {
	result, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String("GSI2"),
		KeyConditionExpression: aws.String("gsi2pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "BATCH#" + batchID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}

	var all []jobItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &all); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch jobs: %w", err)
	}

	out := make([]models.Job, len(all))
	for i, item := range all {
		out[i] = item.Job
	}
	return out, nil
}

func (d *DynamoDB) AppendUnits(ctx context.Context, jobID string, units []models.UnitQuality) error {
	// BatchWriteItem takes at most 25 items per call.
	const batchSize = 25

	for start := 0; start < len(units); start += batchSize {
		end := start + batchSize
		if end > len(units) {
			end = len(units)
		}

		writes := make([]types.WriteRequest, 0, end-start)
		for _, unit := range units[start:end] {
			item, err := attributevalue.MarshalMap(unitItem{
				PK:          "JOB#" + jobID,
				SK:          fmt.Sprintf("UNIT#%08d", unit.Index),
				UnitQuality: unit,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal unit %d: %w", unit.Index, err)
			}
			writes = append(writes, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: item},
			})
		}

		_, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{d.tableName: writes},
		})
		if err != nil {
			return fmt.Errorf("failed to write units: %w", err)
		}
	}
	return nil
}

func (d *DynamoDB) ListUnits(ctx context.Context, jobID string, offset, limit int) ([]models.UnitQuality, int, error) {
	// A long stream spans multiple result pages, so keep following
	// LastEvaluatedKey until the partition is exhausted.
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		result, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: "JOB#" + jobID},
				":prefix": &types.AttributeValueMemberS{Value: "UNIT#"},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list units: %w", err)
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		startKey = result.LastEvaluatedKey
	}

	var all []unitItem
	if err := attributevalue.UnmarshalListOfMaps(items, &all); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal units: %w", err)
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]models.UnitQuality, 0, end-offset)
	for _, item := range all[offset:end] {
		out = append(out, item.UnitQuality)
	}
	return out, total, nil
}

func (d *DynamoDB) CreateBatch(ctx context.Context, batch *models.Batch) error {
	item, err := attributevalue.MarshalMap(batchItem{
		PK:    "BATCH#" + batch.ID,
		SK:    "METADATA",
		Batch: *batch,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (d *DynamoDB) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       metadataKey("BATCH#" + id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrBatchNotFound
	}

	var item batchItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &item.Batch, nil
}

// queryIndex pages through GSI1 for the given partition, newest first.
func (d *DynamoDB) queryIndex(ctx context.Context, partition string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue

	for {
		result, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			IndexName:              aws.String("GSI1"),
			KeyConditionExpression: aws.String("gsi1pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: partition},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if result.LastEvaluatedKey == nil {
			break
		}
		startKey = result.LastEvaluatedKey
	}
	return items, nil
}

func metadataKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func page[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
