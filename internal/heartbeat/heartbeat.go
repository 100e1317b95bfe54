// Package heartbeat keeps liveness records and ownership locks of the
// pod's tenants fresh.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/ownership"
)

type Config struct {
	PodID    string
	Interval time.Duration
	// TTL is the lifetime of each heartbeat record.
	TTL time.Duration
	// LockTTL is the lifetime the ownership lock is renewed to.
	LockTTL time.Duration
	DevMode bool
	Now     func() time.Time
}

// LostFunc is called for a tenant whose lock is now held by another pod.
type LostFunc func(ctx context.Context, tenantID string)

// Loop writes one heartbeat per owned tenant per interval and renews the
// tenant's ownership lock.
type Loop struct {
	store  lock.Store
	owned  *ownership.Set
	cfg    Config
	onLost LostFunc
}

func New(store lock.Store, owned *ownership.Set, cfg Config, onLost LostFunc) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{store: store, owned: owned, cfg: cfg, onLost: onLost}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("heartbeat: starting", "pod", l.cfg.PodID, "interval", l.cfg.Interval, "ttl", l.cfg.TTL)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat: shutting down")
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce beats for every tenant currently owned.
func (l *Loop) RunOnce(ctx context.Context) {
	now := l.cfg.Now().UTC().Format(time.RFC3339)
	for _, t := range l.owned.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		l.beat(ctx, t, now)
	}
}

func (l *Loop) beat(ctx context.Context, tenantID, now string) {
	if !l.owned.Has(tenantID) {
		return
	}
	if err := l.store.Set(ctx, lock.HeartbeatKey(l.cfg.PodID, tenantID), now, l.cfg.TTL); err != nil {
		slog.Error("heartbeat: failed to write heartbeat", "tenant", tenantID, "err", err)
	}

	key := lock.OwnershipKey(tenantID)
	renewed, err := l.store.Renew(ctx, key, l.cfg.PodID, l.cfg.LockTTL)
	if err != nil {
		slog.Error("heartbeat: failed to renew lock", "tenant", tenantID, "err", err)
		return
	}
	if renewed {
		return
	}

	// The lock lapsed, or the tenant was released since the snapshot was
	// taken. Only a tenant still owned may take it back.
	if !l.owned.Has(tenantID) {
		return
	}
	retaken, err := l.store.SetIfAbsent(ctx, key, l.cfg.PodID, l.cfg.LockTTL)
	if err != nil {
		slog.Error("heartbeat: failed to retake lock", "tenant", tenantID, "err", err)
		return
	}
	if retaken {
		if !l.owned.Has(tenantID) {
			l.giveBack(ctx, tenantID, key)
			return
		}
		slog.Warn("heartbeat: lock had expired, retaken", "tenant", tenantID)
		return
	}
	if l.cfg.DevMode {
		return
	}

	attrs := []any{"tenant", tenantID}
	owner, ok, err := l.store.Get(ctx, key)
	switch {
	case err != nil:
		slog.Warn("heartbeat: failed to read lock owner", "tenant", tenantID, "err", err)
	case ok:
		attrs = append(attrs, "owner", owner)
	}
	slog.Warn("heartbeat: ownership lost", attrs...)
	if l.onLost != nil {
		l.onLost(ctx, tenantID)
	}
}

// giveBack releases a lock retaken for a tenant released in the meantime.
func (l *Loop) giveBack(ctx context.Context, tenantID, key string) {
	slog.Info("heartbeat: tenant released during retake, giving lock back", "tenant", tenantID)
	if _, err := l.store.Release(ctx, key, l.cfg.PodID); err != nil {
		slog.Error("heartbeat: failed to give back lock", "tenant", tenantID, "err", err)
	}
}
