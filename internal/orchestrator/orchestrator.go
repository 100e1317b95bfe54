// Package orchestrator ties the acquisition and heartbeat loops, the
// connection supervisor and graceful shutdown into one per-pod component.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shawn/tenant-chatbots/internal/acquirer"
	"github.com/shawn/tenant-chatbots/internal/heartbeat"
	"github.com/shawn/tenant-chatbots/internal/lock"
	"github.com/shawn/tenant-chatbots/internal/ownership"
	"github.com/shawn/tenant-chatbots/internal/registry"
	"github.com/shawn/tenant-chatbots/internal/supervisor"
)

var (
	ErrAlreadyRunning = errors.New("orchestrator already running")
	ErrShutDown       = errors.New("orchestrator shut down")
)

type Config struct {
	PodID               string
	Capacity            int
	DevMode             bool
	LockTTL             time.Duration
	AcquisitionInterval time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTTL        time.Duration
	ShutdownTimeout     time.Duration
}

// Deps are the external collaborators of an Orchestrator.
type Deps struct {
	Directory registry.Directory
	Bots      registry.BotSource
	Store     lock.Store
	Connect   supervisor.Factory
	// Gauge, if set, receives the owned-tenant count whenever it is published.
	Gauge func(owned int)
}

// Orchestrator is the per-pod state: owned tenants, live connections and
// the loops maintaining them.
type Orchestrator struct {
	cfg   Config
	store lock.Store
	gauge func(int)

	owned *ownership.Set
	sup   *supervisor.Supervisor
	acq   *acquirer.Loop
	hb    *heartbeat.Loop

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	shutdownOnce sync.Once
	done         chan struct{}
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 20 * time.Second
	}
	gauge := deps.Gauge
	if gauge == nil {
		gauge = func(int) {}
	}

	o := &Orchestrator{
		cfg:   cfg,
		store: deps.Store,
		gauge: gauge,
		owned: ownership.NewSet(cfg.Capacity),
		sup:   supervisor.New(deps.Connect).WithStopTimeout(cfg.ShutdownTimeout),
		done:  make(chan struct{}),
	}
	o.acq = acquirer.New(deps.Directory, deps.Bots, deps.Store, o.owned, o.sup, acquirer.Config{
		PodID:    cfg.PodID,
		Interval: cfg.AcquisitionInterval,
		LockTTL:  cfg.LockTTL,
		DevMode:  cfg.DevMode,
		Observe:  gauge,
	})
	o.hb = heartbeat.New(deps.Store, o.owned, heartbeat.Config{
		PodID:    cfg.PodID,
		Interval: cfg.HeartbeatInterval,
		TTL:      cfg.HeartbeatTTL,
		LockTTL:  cfg.LockTTL,
		DevMode:  cfg.DevMode,
	}, o.acq.Drop)
	return o
}

// Run starts the acquisition and heartbeat loops and blocks until ctx is
// cancelled or Shutdown is called, then shuts down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.stopped:
		o.mu.Unlock()
		return ErrShutDown
	case o.running:
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.loops.Add(2)
	o.mu.Unlock()

	slog.Info("orchestrator: starting",
		"pod", o.cfg.PodID,
		"capacity", o.cfg.Capacity,
		"dev_mode", o.cfg.DevMode,
	)

	go func() {
		defer o.loops.Done()
		o.acq.Run(loopCtx)
	}()
	go func() {
		defer o.loops.Done()
		o.hb.Run(loopCtx)
	}()

	select {
	case <-ctx.Done():
		o.Shutdown(context.WithoutCancel(ctx))
	case <-o.done:
	}
	return nil
}

// Shutdown stops the loops, closes every live connection and releases every
// owned lock. Only the first call does any work.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdownOnce.Do(func() { o.shutdown(ctx) })
}

func (o *Orchestrator) shutdown(ctx context.Context) {
	slog.Info("orchestrator: shutting down", "pod", o.cfg.PodID, "owned", o.owned.Len())

	o.mu.Lock()
	o.running = false
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.loops.Wait()

	stopCtx, stopCancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	o.sup.StopAll(stopCtx)
	stopCancel()

	releaseCtx, releaseCancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer releaseCancel()
	for _, t := range o.owned.Snapshot() {
		if _, err := o.store.Release(releaseCtx, lock.OwnershipKey(t), o.cfg.PodID); err != nil {
			slog.Error("orchestrator: failed to release lock", "tenant", t, "err", err)
		}
		if err := o.store.Delete(releaseCtx, lock.HeartbeatKey(o.cfg.PodID, t)); err != nil {
			slog.Warn("orchestrator: failed to delete heartbeat", "tenant", t, "err", err)
		}
		o.owned.Remove(t)
	}

	o.gauge(0)
	close(o.done)
	slog.Info("orchestrator: shutdown complete", "pod", o.cfg.PodID)
}

// Running reports whether the loops are active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Owned returns the tenants this pod owns, sorted.
func (o *Orchestrator) Owned() []string {
	return o.owned.Snapshot()
}

// Connections returns the keys of the live connections, sorted.
func (o *Orchestrator) Connections() []supervisor.Key {
	return o.sup.Keys()
}

// PodID returns the identity this pod uses for its locks.
func (o *Orchestrator) PodID() string {
	return o.cfg.PodID
}

// RunCycle runs one acquisition cycle followed by one heartbeat cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	o.acq.RunOnce(ctx)
	o.hb.RunOnce(ctx)
}
