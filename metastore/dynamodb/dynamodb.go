// Package dynamodb implements envelope.Metastore on top of AWS DynamoDB.
package dynamodb

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/envelope"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKey      = "Id"
	sortKey           = "Created"
	keyRecordAttr     = "KeyRecord"
)

var (
	_ envelope.Metastore         = (*Metastore)(nil)
	_ envelope.RegionSuffixed    = (*Metastore)(nil)

	loadTimer       = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.dynamodb.load", nil)
	loadLatestTimer = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.dynamodb.loadlatest", nil)
	storeTimer      = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.dynamodb.store", nil)

	// ErrItemDecode is returned when a stored item cannot be decoded back
	// into an EnvelopeKeyRecord.
	ErrItemDecode = errors.New("dynamodb: item decode error")
)

// Client is the subset of the DynamoDB v2 client this package depends on.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Options() dynamodb.Options
}

// Option configures a Metastore.
type Option func(*Metastore)

// WithRegionSuffix enables tagging this Metastore with its client's region,
// surfaced via RegionSuffix, for use with DynamoDB global tables where
// "last writer wins" conflict resolution otherwise risks clobbering writes
// across regions.
func WithRegionSuffix(enabled bool) Option {
	return func(m *Metastore) { m.regionSuffixEnabled = enabled }
}

// WithTableName overrides the default "EncryptionKey" table name.
func WithTableName(name string) Option {
	return func(m *Metastore) {
		if name != "" {
			m.tableName = name
		}
	}
}

// WithClient overrides the DynamoDB client, mainly for tests.
func WithClient(c Client) Option {
	return func(m *Metastore) { m.svc = c }
}

// Metastore implements envelope.Metastore against a DynamoDB table with
// partition key "Id" (string) and sort key "Created" (number).
type Metastore struct {
	svc       Client
	tableName string

	regionSuffix        string
	regionSuffixEnabled bool
}

// New builds a Metastore, loading the default AWS config unless WithClient
// supplies one already.
func New(opts ...Option) (*Metastore, error) {
	m := &Metastore{tableName: defaultTableName}

	for _, opt := range opts {
		opt(m)
	}

	if m.svc == nil {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("dynamodb: unable to load default AWS config: %w", err)
		}

		m.svc = dynamodb.NewFromConfig(cfg)
	}

	if m.regionSuffixEnabled {
		m.regionSuffix = m.svc.Options().Region
	}

	return m, nil
}

// RegionSuffix returns the client's region if WithRegionSuffix was enabled,
// or "" otherwise. Part of the envelope.RegionSuffixed contract.
func (m *Metastore) RegionSuffix() string { return m.regionSuffix }

type item struct {
	ID        string `dynamodbav:"Id"`
	Created   int64  `dynamodbav:"Created"`
	KeyRecord *record `dynamodbav:"KeyRecord"`
}

type record struct {
	Revoked       bool     `dynamodbav:"Revoked,omitempty"`
	Created       int64    `dynamodbav:"Created"`
	EncryptedKey  string   `dynamodbav:"Key"`
	ParentKeyMeta *keyMeta `dynamodbav:"ParentKeyMeta,omitempty"`
}

type keyMeta struct {
	ID      string `dynamodbav:"KeyId"`
	Created int64  `dynamodbav:"Created"`
}

func decodeItem(m map[string]types.AttributeValue) (*envelope.EnvelopeKeyRecord, error) {
	var it item
	if err := attributevalue.UnmarshalMap(m, &it); err != nil {
		return nil, fmt.Errorf("dynamodb: failed to unmarshal record: %w", err)
	}

	r := it.KeyRecord
	if r == nil {
		return nil, fmt.Errorf("%w: unexpected nil key record", ErrItemDecode)
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(r.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: failed to decode encrypted key: %w", err)
	}

	var parent *envelope.KeyMeta
	if r.ParentKeyMeta != nil {
		parent = &envelope.KeyMeta{ID: r.ParentKeyMeta.ID, Created: r.ParentKeyMeta.Created}
	}

	return &envelope.EnvelopeKeyRecord{
		ID:            it.ID,
		Created:       r.Created,
		EncryptedKey:  encryptedKey,
		ParentKeyMeta: parent,
		Revoked:       r.Revoked,
	}, nil
}

// Load retrieves the record for the exact (id, created) pair.
func (m *Metastore) Load(ctx context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb: expression error: %w", err)
	}

	res, err := m.svc.GetItem(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]types.AttributeValue{
			partitionKey: &types.AttributeValueMemberS{Value: id},
			sortKey:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(m.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: get item failed: %w", err)
	}

	if res.Item == nil {
		return nil, nil
	}

	return decodeItem(res.Item)
}

// LoadLatest retrieves the newest record for id.
func (m *Metastore) LoadLatest(ctx context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKey).Equal(expression.Value(id))
	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb: expression error: %w", err)
	}

	res, err := m.svc.Query(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int32(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(m.tableName),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: query failed: %w", err)
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return decodeItem(res.Items[0])
}

// Store attempts to insert ekr under (id, created), using a conditional
// expression on the partition key to guarantee the insert is rejected if
// the composite key already exists rather than silently overwriting it.
func (m *Metastore) Store(ctx context.Context, id string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeTimer.UpdateSince(time.Now())

	var parent *keyMeta
	if ekr.ParentKeyMeta != nil {
		parent = &keyMeta{ID: ekr.ParentKeyMeta.ID, Created: ekr.ParentKeyMeta.Created}
	}

	r := &record{
		Revoked:       ekr.Revoked,
		Created:       ekr.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(ekr.EncryptedKey),
		ParentKeyMeta: parent,
	}

	av, err := attributevalue.MarshalMap(r)
	if err != nil {
		return false, fmt.Errorf("dynamodb: failed to marshal record: %w", err)
	}

	_, err = m.svc.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]types.AttributeValue{
			partitionKey:  &types.AttributeValueMemberS{Value: id},
			sortKey:       &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
			keyRecordAttr: &types.AttributeValueMemberM{Value: av},
		},
		TableName:           aws.String(m.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKey + ")"),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, nil
		}

		return false, fmt.Errorf("dynamodb: error storing key %s/%d: %w", id, created, err)
	}

	return true, nil
}
