package integration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/orchestrator"
	"github.com/shawn/tenant-chatbots/internal/registry"
	"github.com/shawn/tenant-chatbots/internal/supervisor"
)

const (
	tenantsTable = "botd-tenants-test"
	botsTable    = "botd-bots-test"
)

// startContainer runs image and returns the host:port of its exposed port.
// The container is terminated when the test ends.
func startContainer(ctx context.Context, t *testing.T, image, port string, cmd ...string) string {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port},
			Cmd:          cmd,
			WaitingFor:   wait.ForExposedPort(),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func stringKey(name string, kt dynamotypes.KeyType) (dynamotypes.KeySchemaElement, dynamotypes.AttributeDefinition) {
	return dynamotypes.KeySchemaElement{AttributeName: aws.String(name), KeyType: kt},
		dynamotypes.AttributeDefinition{AttributeName: aws.String(name), AttributeType: dynamotypes.ScalarAttributeTypeS}
}

func createTable(ctx context.Context, t *testing.T, db *dynamodb.Client, name string, keys ...string) {
	t.Helper()
	in := &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: dynamotypes.BillingModePayPerRequest,
	}
	for i, k := range keys {
		kt := dynamotypes.KeyTypeHash
		if i > 0 {
			kt = dynamotypes.KeyTypeRange
		}
		schema, attr := stringKey(k, kt)
		in.KeySchema = append(in.KeySchema, schema)
		in.AttributeDefinitions = append(in.AttributeDefinitions, attr)
	}
	_, err := db.CreateTable(ctx, in)
	require.NoError(t, err, "create table %s", name)
}

// dynamoRegistry starts DynamoDB Local and returns a registry over fresh
// tenants and bots tables.
func dynamoRegistry(ctx context.Context, t *testing.T) *registry.DynamoClient {
	endpoint := startContainer(ctx, t, "amazon/dynamodb-local:latest", "8000/tcp", "-jar", "DynamoDBLocal.jar", "-inMemory")

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
	)
	require.NoError(t, err)
	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String("http://" + endpoint)
	})

	createTable(ctx, t, db, tenantsTable, "tenant_id")
	createTable(ctx, t, db, botsTable, "tenant_id", "bot_id")
	return registry.New(db, tenantsTable, botsTable)
}

// redisClient starts Redis and connects to it the way botd does.
func redisClient(ctx context.Context, t *testing.T) *redis.Client {
	endpoint := startContainer(ctx, t, "redis:7-alpine", "6379/tcp")

	rdb, err := lock.Connect(ctx, lock.RedisOptions{
		URL:           "redis://" + endpoint + "/0",
		RetryAttempts: 5,
		RetryInterval: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// fakeConn stands in for a platform connection.
type fakeConn struct {
	mu    sync.Mutex
	alive bool
}

func (c *fakeConn) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func newPod(podID string, reg registry.Client, store lock.Store) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Deps{
		Directory: reg,
		Bots:      reg,
		Store:     store,
		Connect:   func(registry.Bot) supervisor.Conn { return &fakeConn{} },
	}, orchestrator.Config{
		PodID:               podID,
		Capacity:            1,
		LockTTL:             time.Minute,
		AcquisitionInterval: time.Hour,
		HeartbeatInterval:   time.Hour,
		HeartbeatTTL:        2 * time.Hour,
		ShutdownTimeout:     5 * time.Second,
	})
}

func TestIntegration_RegistryRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	reg := dynamoRegistry(ctx, t)

	require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: "t1", CreatedAt: time.Now().UTC()}))
	var ccf *registry.ConditionalCheckFailed
	assert.ErrorAs(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: "t1"}), &ccf)

	require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: "t1", BotID: "b1", Enabled: true, Token: "abc"}))
	require.NoError(t, reg.PutChannelPolicies(ctx, "t1", "b1", []registry.ChannelPolicy{
		{ChannelName: "#Support", MentionOnly: registry.Bool(false)},
	}))
	require.NoError(t, reg.SetBotEnabled(ctx, "t1", "b1", false))

	bots, err := reg.ListBots(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.False(t, bots[0].Enabled)
	assert.Equal(t, "abc", bots[0].Token, "toggling enabled keeps the token")

	policies, err := reg.ListChannelPolicies(ctx, "t1", "b1")
	require.NoError(t, err)
	p, ok := registry.MatchChannelPolicy(policies, "support")
	require.True(t, ok)
	assert.False(t, p.MentionOnlyOrDefault())

	_, err = reg.ListChannelPolicies(ctx, "t1", "missing")
	assert.ErrorIs(t, err, registry.ErrBotNotFound)

	require.NoError(t, reg.DeleteTenant(ctx, "t1"))
	ids, err := reg.ListTenantIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// TestIntegration_PodsShareTenants runs two pods against one Redis and one
// registry: each takes one tenant, and a released tenant fails over.
func TestIntegration_PodsShareTenants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	reg := dynamoRegistry(ctx, t)
	rdb := redisClient(ctx, t)
	store := lock.New(rdb)
	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: id}))
		require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: id, BotID: "b", Enabled: true, Token: "tok-" + id}))
	}

	podA := newPod("pod-a", reg, store)
	podB := newPod("pod-b", reg, store)
	podA.RunCycle(ctx)
	podB.RunCycle(ctx)

	require.Len(t, podA.Owned(), 1)
	require.Len(t, podB.Owned(), 1)
	assert.NotEqual(t, podA.Owned()[0], podB.Owned()[0])

	held := podA.Owned()[0]
	owner, err := rdb.Get(ctx, lock.OwnershipKey(held)).Result()
	require.NoError(t, err)
	assert.Equal(t, "pod-a", owner)
	ttl, err := rdb.PTTL(ctx, lock.OwnershipKey(held)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = rdb.Get(ctx, lock.HeartbeatKey("pod-a", held)).Result()
	require.NoError(t, err, "heartbeat written")

	podA.Shutdown(ctx)
	_, err = rdb.Get(ctx, lock.OwnershipKey(held)).Result()
	assert.ErrorIs(t, err, redis.Nil, "shutdown releases the lock")

	podC := newPod("pod-c", reg, store)
	podC.RunCycle(ctx)
	assert.Equal(t, []string{held}, podC.Owned())
	assert.Len(t, podC.Connections(), 1)

	podB.Shutdown(ctx)
	podC.Shutdown(ctx)
}

func TestIntegration_RedisStoreOwnerChecks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	rdb := redisClient(ctx, t)
	store := lock.New(rdb)
	key := lock.OwnershipKey("t1")

	ok, err := store.SetIfAbsent(ctx, key, "pod-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Renew(ctx, key, "pod-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Release(ctx, key, "pod-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Renew(ctx, key, "pod-a", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Release(ctx, key, "pod-a")
	require.NoError(t, err)
	assert.True(t, ok)
}
