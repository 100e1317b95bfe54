package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// NoTenant is the tenant id used when the process runs in single-tenant mode.
const NoTenant = ""

// Platform names the chat platform a bot connects to
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformMatrix   Platform = "matrix"
)

// ErrBotNotFound is returned when a bot record does not exist
var ErrBotNotFound = errors.New("bot not found")

// TenantRecord is the DynamoDB schema for a tenant
type TenantRecord struct {
	TenantID  string    `dynamodbav:"tenant_id" json:"tenant_id"`
	Name      string    `dynamodbav:"name,omitempty" json:"name,omitempty"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
}

// Bot describes one chat bot credential configured for a tenant.
type Bot struct {
	TenantID string   `dynamodbav:"tenant_id" json:"tenant_id"`
	BotID    string   `dynamodbav:"bot_id" json:"bot_id"`
	Name     string   `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Platform Platform `dynamodbav:"platform,omitempty" json:"platform,omitempty"`
	Enabled  bool     `dynamodbav:"enabled" json:"enabled"`
	Token    string   `dynamodbav:"token,omitempty" json:"token,omitempty"`
}

// Runnable reports whether the bot should have a live connection.
func (b Bot) Runnable() bool {
	return b.Enabled && b.Token != ""
}

// PlatformOrDefault returns the bot's platform, defaulting to Telegram.
func (b Bot) PlatformOrDefault() Platform {
	if b.Platform == "" {
		return PlatformTelegram
	}
	return b.Platform
}

// botItem is the stored form of a bot: the descriptor plus its channel policies.
type botItem struct {
	Bot
	ChannelPolicies []ChannelPolicy `dynamodbav:"channel_policies,omitempty"`
	UpdatedAt       time.Time       `dynamodbav:"updated_at"`
}

// Directory lists the tenants known to the system
type Directory interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// BotSource reads tenant-scoped bot configuration
type BotSource interface {
	ListBots(ctx context.Context, tenantID string) ([]Bot, error)
	ListChannelPolicies(ctx context.Context, tenantID, botID string) ([]ChannelPolicy, error)
}

// Client is the interface for tenant and bot registry operations
type Client interface {
	Directory
	BotSource
	CreateTenant(ctx context.Context, record *TenantRecord) error
	ListTenants(ctx context.Context) ([]*TenantRecord, error)
	DeleteTenant(ctx context.Context, tenantID string) error
	PutBot(ctx context.Context, bot Bot) error
	SetBotEnabled(ctx context.Context, tenantID, botID string, enabled bool) error
	PutChannelPolicies(ctx context.Context, tenantID, botID string, policies []ChannelPolicy) error
	DeleteBot(ctx context.Context, tenantID, botID string) error
}

// DynamoClient implements Client using AWS DynamoDB.
// Tenants live in a table keyed by tenant_id; bots in a table keyed by
// (tenant_id, bot_id).
type DynamoClient struct {
	db           *dynamodb.Client
	tenantsTable string
	botsTable    string
}

// New creates a new DynamoDB-backed registry client
func New(db *dynamodb.Client, tenantsTable, botsTable string) *DynamoClient {
	return &DynamoClient{db: db, tenantsTable: tenantsTable, botsTable: botsTable}
}

func tenantKey(tenantID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
	}
}

func botKey(tenantID, botID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
		"bot_id":    &types.AttributeValueMemberS{Value: botID},
	}
}

// ListTenantIDs scans the tenants table for ids only
func (c *DynamoClient) ListTenantIDs(ctx context.Context) ([]string, error) {
	p := dynamodb.NewScanPaginator(c.db, &dynamodb.ScanInput{
		TableName:            aws.String(c.tenantsTable),
		ProjectionExpression: aws.String("tenant_id"),
	})
	var ids []string
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Scan: %w", err)
		}
		for _, item := range out.Items {
			v, ok := item["tenant_id"].(*types.AttributeValueMemberS)
			if !ok || v.Value == "" {
				continue
			}
			ids = append(ids, v.Value)
		}
	}
	return ids, nil
}

// ListTenants returns all tenant records
func (c *DynamoClient) ListTenants(ctx context.Context) ([]*TenantRecord, error) {
	p := dynamodb.NewScanPaginator(c.db, &dynamodb.ScanInput{
		TableName: aws.String(c.tenantsTable),
	})
	var records []*TenantRecord
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Scan: %w", err)
		}
		for _, item := range out.Items {
			var rec TenantRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
	}
	return records, nil
}

// CreateTenant creates a new tenant record (fails if already exists)
func (c *DynamoClient) CreateTenant(ctx context.Context, record *TenantRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal tenant: %w", err)
	}
	_, err = c.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tenantsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(tenant_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return &ConditionalCheckFailed{TenantID: record.TenantID}
		}
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// DeleteTenant removes a tenant record and all of its bots
func (c *DynamoClient) DeleteTenant(ctx context.Context, tenantID string) error {
	bots, err := c.ListBots(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, b := range bots {
		if err := c.DeleteBot(ctx, tenantID, b.BotID); err != nil {
			return err
		}
	}
	_, err = c.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tenantsTable),
		Key:       tenantKey(tenantID),
	})
	if err != nil {
		return fmt.Errorf("dynamodb DeleteItem: %w", err)
	}
	return nil
}

func (c *DynamoClient) queryBots(ctx context.Context, tenantID string) ([]botItem, error) {
	p := dynamodb.NewQueryPaginator(c.db, &dynamodb.QueryInput{
		TableName:              aws.String(c.botsTable),
		KeyConditionExpression: aws.String("tenant_id = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: tenantID},
		},
	})
	var items []botItem
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Query: %w", err)
		}
		for _, raw := range out.Items {
			var it botItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				continue
			}
			items = append(items, it)
		}
	}
	return items, nil
}

// ListBots returns every bot configured for tenantID
func (c *DynamoClient) ListBots(ctx context.Context, tenantID string) ([]Bot, error) {
	items, err := c.queryBots(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	bots := make([]Bot, 0, len(items))
	for _, it := range items {
		bots = append(bots, it.Bot)
	}
	return bots, nil
}

func (c *DynamoClient) getBot(ctx context.Context, tenantID, botID string) (*botItem, error) {
	out, err := c.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.botsTable),
		Key:       botKey(tenantID, botID),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	if out.Item == nil {
		return nil, ErrBotNotFound
	}
	var it botItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal bot: %w", err)
	}
	return &it, nil
}

// ListChannelPolicies returns the channel policies stored on a bot
func (c *DynamoClient) ListChannelPolicies(ctx context.Context, tenantID, botID string) ([]ChannelPolicy, error) {
	it, err := c.getBot(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}
	return it.ChannelPolicies, nil
}

// PutBot creates or replaces a bot descriptor, keeping its channel policies
func (c *DynamoClient) PutBot(ctx context.Context, bot Bot) error {
	it := botItem{Bot: bot, UpdatedAt: time.Now().UTC()}
	existing, err := c.getBot(ctx, bot.TenantID, bot.BotID)
	switch {
	case err == nil:
		it.ChannelPolicies = existing.ChannelPolicies
	case !errors.Is(err, ErrBotNotFound):
		return err
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("marshal bot: %w", err)
	}
	_, err = c.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.botsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// SetBotEnabled flips the enabled flag of an existing bot
func (c *DynamoClient) SetBotEnabled(ctx context.Context, tenantID, botID string, enabled bool) error {
	_, err := c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.botsTable),
		Key:              botKey(tenantID, botID),
		UpdateExpression: aws.String("SET enabled = :e, updated_at = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberBOOL{Value: enabled},
			":u": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(bot_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrBotNotFound
		}
		return fmt.Errorf("dynamodb UpdateItem: %w", err)
	}
	return nil
}

// PutChannelPolicies replaces the channel policies of an existing bot
func (c *DynamoClient) PutChannelPolicies(ctx context.Context, tenantID, botID string, policies []ChannelPolicy) error {
	for i := range policies {
		policies[i] = policies[i].Normalize()
	}
	av, err := attributevalue.Marshal(policies)
	if err != nil {
		return fmt.Errorf("marshal policies: %w", err)
	}
	_, err = c.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.botsTable),
		Key:              botKey(tenantID, botID),
		UpdateExpression: aws.String("SET channel_policies = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": av,
		},
		ConditionExpression: aws.String("attribute_exists(bot_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrBotNotFound
		}
		return fmt.Errorf("dynamodb UpdateItem: %w", err)
	}
	return nil
}

// DeleteBot removes a bot record
func (c *DynamoClient) DeleteBot(ctx context.Context, tenantID, botID string) error {
	_, err := c.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.botsTable),
		Key:       botKey(tenantID, botID),
	})
	if err != nil {
		return fmt.Errorf("dynamodb DeleteItem: %w", err)
	}
	return nil
}

// ConditionalCheckFailed is returned when a conditional write fails
type ConditionalCheckFailed struct {
	TenantID string
}

func (e *ConditionalCheckFailed) Error() string {
	return "tenant already exists: " + e.TenantID
}
