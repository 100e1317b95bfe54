// Package supervisor keeps the live connections of owned tenants in line
// with their bot configuration.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shawn/tenant-chatbots/internal/registry"
)

// Key identifies one live connection.
type Key struct {
	TenantID string
	BotID    string
}

func (k Key) String() string {
	return k.TenantID + "/" + k.BotID
}

// Conn is a running bot connection.
type Conn interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Alive() bool
}

// Factory builds an unstarted connection for a bot.
type Factory func(bot registry.Bot) Conn

const defaultStopTimeout = 10 * time.Second

type liveConn struct {
	conn  Conn
	token string
}

// Supervisor owns the pod's live connection map.
type Supervisor struct {
	factory     Factory
	stopTimeout time.Duration

	mu    sync.Mutex
	conns map[Key]*liveConn
	locks map[Key]*keyMutex
}

// keyMutex serializes stop/start for one key. refs counts the goroutines
// holding or waiting for it; the entry is dropped when it reaches zero.
type keyMutex struct {
	sync.Mutex
	refs int
}

func New(factory Factory) *Supervisor {
	return &Supervisor{
		factory:     factory,
		stopTimeout: defaultStopTimeout,
		conns:       make(map[Key]*liveConn),
		locks:       make(map[Key]*keyMutex),
	}
}

// WithStopTimeout bounds how long reconciliation waits for a connection to
// close before replacing or dropping it.
func (s *Supervisor) WithStopTimeout(d time.Duration) *Supervisor {
	if d > 0 {
		s.stopTimeout = d
	}
	return s
}

// lockKey acquires the mutex for key and returns its unlock function.
func (s *Supervisor) lockKey(key Key) func() {
	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &keyMutex{}
		s.locks[key] = m
	}
	m.refs++
	s.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		m.refs--
		if m.refs == 0 {
			delete(s.locks, key)
		}
	}
}

func (s *Supervisor) get(key Key) *liveConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[key]
}

func (s *Supervisor) put(key Key, lc *liveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[key] = lc
}

func (s *Supervisor) remove(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, key)
}

// Reconcile brings the tenant's live connections in line with bots:
// non-runnable bots are stopped, missing ones started, rotated tokens
// restarted and dead connections revived. Live connections of the tenant
// whose bot no longer appears in bots are stopped. Start failures are
// joined into the returned error; the remaining bots are still processed.
func (s *Supervisor) Reconcile(ctx context.Context, tenantID string, bots []registry.Bot) error {
	var errs []error
	seen := make(map[Key]struct{}, len(bots))

	for _, bot := range bots {
		bot.TenantID = tenantID
		key := Key{TenantID: tenantID, BotID: bot.BotID}
		seen[key] = struct{}{}
		if err := s.reconcileBot(ctx, key, bot); err != nil {
			errs = append(errs, err)
		}
	}

	for _, key := range s.Keys() {
		if key.TenantID != tenantID {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		slog.Info("supervisor: bot removed from configuration", "tenant", key.TenantID, "bot", key.BotID)
		stopCtx, cancel := s.detach(ctx)
		s.Stop(stopCtx, key)
		cancel()
	}

	return errors.Join(errs...)
}

// detach derives a context for closing connections during reconciliation.
// The close is awaited up to the stop timeout even when ctx is already
// cancelled, so a replaced connection never outlives its entry.
func (s *Supervisor) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
}

func (s *Supervisor) reconcileBot(ctx context.Context, key Key, bot registry.Bot) error {
	unlock := s.lockKey(key)
	defer unlock()

	cur := s.get(key)

	if !bot.Runnable() {
		if cur != nil {
			slog.Info("supervisor: bot disabled, stopping", "tenant", key.TenantID, "bot", key.BotID)
			stopCtx, cancel := s.detach(ctx)
			s.stopLocked(stopCtx, key, cur)
			cancel()
		}
		return nil
	}

	if cur != nil {
		switch {
		case cur.token != bot.Token:
			slog.Info("supervisor: token changed, restarting", "tenant", key.TenantID, "bot", key.BotID)
		case !cur.conn.Alive():
			slog.Warn("supervisor: connection dead, restarting", "tenant", key.TenantID, "bot", key.BotID)
		default:
			return nil
		}
		stopCtx, cancel := s.detach(ctx)
		s.stopLocked(stopCtx, key, cur)
		cancel()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start %s: %w", key, err)
	}

	conn := s.factory(bot)
	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", key, err)
	}
	s.put(key, &liveConn{conn: conn, token: bot.Token})
	slog.Info("supervisor: started", "tenant", key.TenantID, "bot", key.BotID, "platform", bot.PlatformOrDefault())
	return nil
}

// stopLocked closes lc and drops it from the map. Close failures are logged;
// the entry is removed either way. Caller holds the key lock.
func (s *Supervisor) stopLocked(ctx context.Context, key Key, lc *liveConn) {
	if err := lc.conn.Close(ctx); err != nil {
		slog.Error("supervisor: close failed", "tenant", key.TenantID, "bot", key.BotID, "err", err)
	}
	s.remove(key)
}

// Stop closes the connection for key, if any.
func (s *Supervisor) Stop(ctx context.Context, key Key) {
	unlock := s.lockKey(key)
	defer unlock()
	if cur := s.get(key); cur != nil {
		s.stopLocked(ctx, key, cur)
	}
}

// StopTenant closes every connection of tenantID.
func (s *Supervisor) StopTenant(ctx context.Context, tenantID string) {
	for _, key := range s.Keys() {
		if key.TenantID == tenantID {
			s.Stop(ctx, key)
		}
	}
}

// StopAll closes every live connection.
func (s *Supervisor) StopAll(ctx context.Context) {
	keys := s.Keys()
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key Key) {
			defer wg.Done()
			s.Stop(ctx, key)
		}(key)
	}
	wg.Wait()
	if len(keys) > 0 {
		slog.Info("supervisor: stopped all connections", "count", len(keys))
	}
}

// Keys returns the live connection keys, sorted.
func (s *Supervisor) Keys() []Key {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.conns))
	for k := range s.conns {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}
		return keys[i].BotID < keys[j].BotID
	})
	return keys
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// TenantLen returns the number of live connections of tenantID.
func (s *Supervisor) TenantLen(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.conns {
		if k.TenantID == tenantID {
			n++
		}
	}
	return n
}
