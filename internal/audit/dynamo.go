package audit

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/fentz26/mcpgate/internal/models"
)

// ItemPutter is the subset of the DynamoDB client used by DynamoLogger.
type ItemPutter interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoLogger writes audit entries to a DynamoDB table keyed by "id".
// Argument payloads are never shipped; only their hash is stored.
type DynamoLogger struct {
	client    ItemPutter
	tableName string
}

// NewDynamoLogger creates a logger over an existing client.
func NewDynamoLogger(client ItemPutter, tableName string) *DynamoLogger {
	return &DynamoLogger{client: client, tableName: tableName}
}

// NewDynamoLoggerFromEnv loads the default AWS configuration for region and
// creates a logger for tableName.
func NewDynamoLoggerFromEnv(ctx context.Context, region, tableName string) (*DynamoLogger, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return NewDynamoLogger(dynamodb.NewFromConfig(awsCfg), tableName), nil
}

// Log implements Logger.
func (d *DynamoLogger) Log(ctx context.Context, e *models.AuditEntry) error {
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put audit entry: %w", err)
	}
	return nil
}
