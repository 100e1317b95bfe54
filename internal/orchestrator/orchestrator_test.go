package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/orchestrator"
	"github.com/shawn/tenant-chatbots/internal/registry"
	"github.com/shawn/tenant-chatbots/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connLog records every start and stop across all fake connections.
type connLog struct {
	mu     sync.Mutex
	starts []string
	stops  []string
}

func (l *connLog) factory(bot registry.Bot) supervisor.Conn {
	return &fakeConn{log: l, token: bot.Token}
}

func (l *connLog) snapshot() ([]string, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.starts...), append([]string(nil), l.stops...)
}

type fakeConn struct {
	log   *connLog
	token string
	mu    sync.Mutex
	alive bool
}

func (c *fakeConn) Start(context.Context) error {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
	c.log.mu.Lock()
	c.log.starts = append(c.log.starts, c.token)
	c.log.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
	c.log.mu.Lock()
	c.log.stops = append(c.log.stops, c.token)
	c.log.mu.Unlock()
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

type gauge struct {
	mu   sync.Mutex
	last int
}

func (g *gauge) set(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
}

func (g *gauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func newOrchestrator(reg *registry.MockClient, store lock.Store, pod string, capacity int, log *connLog, g *gauge) *orchestrator.Orchestrator {
	deps := orchestrator.Deps{
		Directory: reg,
		Bots:      reg,
		Store:     store,
		Connect:   log.factory,
	}
	if g != nil {
		deps.Gauge = g.set
	}
	return orchestrator.New(deps, orchestrator.Config{
		PodID:               pod,
		Capacity:            capacity,
		LockTTL:             time.Minute,
		AcquisitionInterval: 10 * time.Millisecond,
		HeartbeatInterval:   10 * time.Millisecond,
		HeartbeatTTL:        time.Second,
		ShutdownTimeout:     time.Second,
	})
}

func TestTokenRotationAndDisableScenario(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMock()
	store := lock.NewMock()
	log := &connLog{}
	g := &gauge{}

	require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: "t1"}))
	require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: "t1", BotID: "bot1", Token: "abc", Enabled: true}))

	o := newOrchestrator(reg, store, "pod-a", 10, log, g)
	o.RunCycle(ctx)

	starts, stops := log.snapshot()
	assert.Equal(t, []string{"abc"}, starts)
	assert.Empty(t, stops)
	assert.Equal(t, []string{"t1"}, o.Owned())
	assert.Equal(t, 1, g.value())

	require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: "t1", BotID: "bot1", Token: "xyz", Enabled: true}))
	o.RunCycle(ctx)

	starts, stops = log.snapshot()
	assert.Equal(t, []string{"abc", "xyz"}, starts)
	assert.Equal(t, []string{"abc"}, stops)

	require.NoError(t, reg.SetBotEnabled(ctx, "t1", "bot1", false))
	o.RunCycle(ctx)

	starts, stops = log.snapshot()
	assert.Equal(t, []string{"abc", "xyz"}, starts)
	assert.Equal(t, []string{"abc", "xyz"}, stops)
	assert.Empty(t, o.Connections())
	assert.Equal(t, []string{"t1"}, o.Owned(), "tenant stays owned with no runnable bots")

	o.Shutdown(ctx)
	assert.Empty(t, o.Owned())
	assert.Empty(t, store.Keys(""), "locks and heartbeats are removed on shutdown")
	assert.Equal(t, 0, g.value())
}

func TestShutdown_Idempotent(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMock()
	store := lock.NewMock()
	log := &connLog{}
	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: id}))
		require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: id, BotID: "b", Token: id, Enabled: true}))
	}

	o := newOrchestrator(reg, store, "pod-a", 10, log, nil)
	o.RunCycle(ctx)
	require.Len(t, o.Connections(), 2)

	o.Shutdown(ctx)
	o.Shutdown(ctx)

	_, stops := log.snapshot()
	assert.Len(t, stops, 2, "each connection closed exactly once")
	assert.Empty(t, o.Connections())
	assert.Empty(t, store.Keys("botd:tenant:lock:"))
	assert.ErrorIs(t, o.Run(ctx), orchestrator.ErrShutDown)
}

func TestShutdown_LeavesForeignLocks(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMock()
	store := lock.NewMock()
	require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: "t1"}))

	a := newOrchestrator(reg, store, "pod-a", 10, &connLog{}, nil)
	a.RunCycle(ctx)
	// pod-a's lock lapsed and pod-b took over before pod-a noticed
	require.NoError(t, store.Set(ctx, lock.OwnershipKey("t1"), "pod-b", time.Minute))

	a.Shutdown(ctx)

	owner, ok, err := store.Get(ctx, lock.OwnershipKey("t1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pod-b", owner)
}

func TestFailover(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMock()
	store := lock.NewMock()
	require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: "t1"}))
	require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: "t1", BotID: "bot1", Token: "abc", Enabled: true}))

	a := newOrchestrator(reg, store, "pod-a", 10, &connLog{}, nil)
	b := newOrchestrator(reg, store, "pod-b", 10, &connLog{}, nil)

	a.RunCycle(ctx)
	b.RunCycle(ctx)
	assert.Equal(t, []string{"t1"}, a.Owned())
	assert.Empty(t, b.Owned(), "a tenant has at most one owner")

	a.Shutdown(ctx)
	b.RunCycle(ctx)
	assert.Equal(t, []string{"t1"}, b.Owned(), "released tenant is picked up by the survivor")
	assert.Len(t, b.Connections(), 1)
}

func TestHeartbeatDetectsTakeover(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMock()
	store := lock.NewMock()
	require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: "t1"}))
	require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: "t1", BotID: "bot1", Token: "abc", Enabled: true}))

	a := newOrchestrator(reg, store, "pod-a", 10, &connLog{}, nil)
	a.RunCycle(ctx)
	require.Len(t, a.Connections(), 1)

	require.NoError(t, store.Set(ctx, lock.OwnershipKey("t1"), "pod-b", time.Minute))
	a.RunCycle(ctx)

	assert.Empty(t, a.Owned())
	assert.Empty(t, a.Connections())
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	reg := registry.NewMock()
	store := lock.NewMock()
	require.NoError(t, reg.CreateTenant(context.Background(), &registry.TenantRecord{TenantID: "t1"}))
	o := newOrchestrator(reg, store, "pod-a", 10, &connLog{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(o.Owned()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, o.Running())
	assert.ErrorIs(t, o.Run(ctx), orchestrator.ErrAlreadyRunning)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, o.Running())
	assert.Empty(t, store.Keys("botd:tenant:lock:"))
}

// hangingConn never finishes closing on its own.
type hangingConn struct{ fakeConn }

func (c *hangingConn) Close(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type brokenConn struct{ fakeConn }

func (c *brokenConn) Close(context.Context) error {
	return errors.New("socket already gone")
}

func TestShutdown_BoundedAndContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMock()
	store := lock.NewMock()
	log := &connLog{}
	for _, id := range []string{"hang", "broken", "ok"} {
		require.NoError(t, reg.CreateTenant(ctx, &registry.TenantRecord{TenantID: id}))
		require.NoError(t, reg.PutBot(ctx, registry.Bot{TenantID: id, BotID: "b", Token: id, Enabled: true}))
	}

	o := orchestrator.New(orchestrator.Deps{
		Directory: reg,
		Bots:      reg,
		Store:     store,
		Connect: func(bot registry.Bot) supervisor.Conn {
			switch bot.Token {
			case "hang":
				return &hangingConn{fakeConn{log: log, token: bot.Token}}
			case "broken":
				return &brokenConn{fakeConn{log: log, token: bot.Token}}
			}
			return log.factory(bot)
		},
	}, orchestrator.Config{
		PodID:           "pod-a",
		Capacity:        10,
		LockTTL:         time.Minute,
		HeartbeatTTL:    time.Second,
		ShutdownTimeout: 100 * time.Millisecond,
	})
	o.RunCycle(ctx)
	require.Len(t, o.Connections(), 3)
	require.Len(t, store.Keys("botd:tenant:lock:"), 3)

	start := time.Now()
	o.Shutdown(ctx)
	assert.Less(t, time.Since(start), time.Second, "a hanging close is cut off at the shutdown timeout")

	_, stops := log.snapshot()
	assert.Equal(t, []string{"ok"}, stops)
	assert.Empty(t, o.Connections())
	assert.Empty(t, o.Owned())
	assert.Empty(t, store.Keys(""), "every lock and heartbeat is removed despite close failures")
}
