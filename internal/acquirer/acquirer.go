// Package acquirer periodically competes for tenant ownership locks and
// keeps the bot connections of owned tenants reconciled.
package acquirer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/ownership"
	"github.com/shawn/tenant-chatbots/internal/registry"
)

// Supervisor is the part of supervisor.Supervisor the loop drives.
type Supervisor interface {
	Reconcile(ctx context.Context, tenantID string, bots []registry.Bot) error
	StopTenant(ctx context.Context, tenantID string)
}

type Config struct {
	PodID    string
	Interval time.Duration
	LockTTL  time.Duration
	// DevMode serves every listed tenant even when its lock cannot be taken.
	DevMode bool
	// Observe, if set, receives the owned-tenant count after each cycle.
	Observe func(owned int)
}

// Loop is the tenant acquisition loop.
type Loop struct {
	dir   registry.Directory
	bots  registry.BotSource
	store lock.Store
	owned *ownership.Set
	sup   Supervisor
	cfg   Config

	// mu serializes cycles with Release and Drop.
	mu sync.Mutex
}

func New(dir registry.Directory, bots registry.BotSource, store lock.Store, owned *ownership.Set, sup Supervisor, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Loop{dir: dir, bots: bots, store: store, owned: owned, sup: sup, cfg: cfg}
}

// Run runs one cycle immediately, then one per interval. It blocks until
// ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("acquirer: starting",
		"pod", l.cfg.PodID,
		"interval", l.cfg.Interval,
		"capacity", l.owned.Capacity(),
		"dev_mode", l.cfg.DevMode,
	)

	l.RunOnce(ctx)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("acquirer: shutting down")
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single acquisition cycle.
func (l *Loop) RunOnce(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.publish()

	tenants, err := l.dir.ListTenantIDs(ctx)
	if err != nil {
		slog.Error("acquirer: failed to list tenants", "err", err)
		return
	}

	listed := make(map[string]struct{}, len(tenants))
	for _, t := range tenants {
		listed[t] = struct{}{}
	}

	for _, t := range l.owned.Snapshot() {
		if _, ok := listed[t]; !ok {
			slog.Info("acquirer: owned tenant no longer listed, releasing", "tenant", t)
			l.release(ctx, t)
		}
	}

	for _, t := range l.owned.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		l.refresh(ctx, t)
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if l.owned.Has(t) {
			continue
		}
		if l.owned.Full() {
			slog.Info("acquirer: at capacity, not acquiring more tenants",
				"owned", l.owned.Len(),
				"capacity", l.owned.Capacity(),
			)
			return
		}
		l.acquire(ctx, t)
	}
}

func (l *Loop) acquire(ctx context.Context, tenantID string) {
	key := lock.OwnershipKey(tenantID)
	ok, err := l.store.SetIfAbsent(ctx, key, l.cfg.PodID, l.cfg.LockTTL)
	switch {
	case err != nil && !l.cfg.DevMode:
		slog.Error("acquirer: failed to acquire lock", "tenant", tenantID, "key", key, "err", err)
		return
	case err != nil:
		slog.Warn("acquirer: lock error ignored in dev mode", "tenant", tenantID, "err", err)
	case !ok && !l.cfg.DevMode:
		slog.Debug("acquirer: tenant owned by another pod", "tenant", tenantID)
		return
	case !ok:
		slog.Warn("acquirer: lock held elsewhere, serving anyway in dev mode", "tenant", tenantID)
	}

	if !l.owned.Add(tenantID) {
		if ok {
			if _, err := l.store.Release(ctx, key, l.cfg.PodID); err != nil {
				slog.Error("acquirer: failed to release lock over capacity", "tenant", tenantID, "err", err)
			}
		}
		return
	}

	slog.Info("acquirer: acquired tenant", "tenant", tenantID, "pod", l.cfg.PodID)
	l.refresh(ctx, tenantID)
}

// refresh reloads the tenant's bots and reconciles its connections.
func (l *Loop) refresh(ctx context.Context, tenantID string) {
	bots, err := l.bots.ListBots(ctx, tenantID)
	if err != nil {
		slog.Error("acquirer: failed to load bots", "tenant", tenantID, "err", err)
		return
	}
	if len(bots) == 0 {
		slog.Debug("acquirer: tenant has no bots", "tenant", tenantID)
	}
	if err := l.sup.Reconcile(ctx, tenantID, bots); err != nil {
		slog.Error("acquirer: failed to reconcile bots", "tenant", tenantID, "err", err)
	}
}

// Release stops the tenant's connections, gives its lock back and forgets it.
func (l *Loop) Release(ctx context.Context, tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release(ctx, tenantID)
	l.publish()
}

func (l *Loop) release(ctx context.Context, tenantID string) {
	l.sup.StopTenant(ctx, tenantID)
	if _, err := l.store.Release(ctx, lock.OwnershipKey(tenantID), l.cfg.PodID); err != nil {
		slog.Error("acquirer: failed to release lock", "tenant", tenantID, "err", err)
	}
	l.forget(ctx, tenantID)
}

// Drop stops the tenant's connections and forgets it without touching its
// lock. Used when another pod has taken the tenant over.
func (l *Loop) Drop(ctx context.Context, tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slog.Warn("acquirer: dropping tenant", "tenant", tenantID)
	l.sup.StopTenant(ctx, tenantID)
	l.forget(ctx, tenantID)
	l.publish()
}

func (l *Loop) forget(ctx context.Context, tenantID string) {
	if err := l.store.Delete(ctx, lock.HeartbeatKey(l.cfg.PodID, tenantID)); err != nil {
		slog.Warn("acquirer: failed to delete heartbeat", "tenant", tenantID, "err", err)
	}
	l.owned.Remove(tenantID)
}

func (l *Loop) publish() {
	if l.cfg.Observe != nil {
		l.cfg.Observe(l.owned.Len())
	}
}
