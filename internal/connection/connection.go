// Package connection runs one chat platform session for one (tenant, bot)
// credential and gates event delivery on the session's readiness.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shawn/tenant-chatbots/internal/platform"
	"github.com/shawn/tenant-chatbots/internal/registry"
)

var (
	// ErrAlreadyStarted is returned by Start on a connection that is not disconnected.
	ErrAlreadyStarted = errors.New("connection already started")
	// ErrClosed is returned by Start when Close ran while the session was dialing.
	ErrClosed = errors.New("connection closed")
)

// State is the lifecycle state of a Connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes events of a ready connection.
type Handler interface {
	HandleMessage(ctx context.Context, bot registry.Bot, s platform.Sender, msg platform.Message)
	HandleInteraction(ctx context.Context, bot registry.Bot, s platform.Sender, in platform.Interaction)
}

// Connection wraps one platform session:
// disconnected -> connecting -> ready -> closing -> disconnected.
type Connection struct {
	bot     registry.Bot
	dialer  platform.Dialer
	handler Handler

	mu      sync.Mutex
	state   State
	self    platform.Identity
	session platform.Session
	cancel  context.CancelFunc
	done    chan struct{}

	inflight sync.WaitGroup
}

func New(bot registry.Bot, dialer platform.Dialer, handler Handler) *Connection {
	return &Connection{bot: bot, dialer: dialer, handler: handler}
}

func (c *Connection) Bot() registry.Bot { return c.bot }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive reports whether the session is still running or starting.
func (c *Connection) Alive() bool {
	return c.State() != Disconnected
}

// Start dials the platform and runs the session in the background.
// It returns once the session is dialed; readiness is reached asynchronously.
// The session outlives ctx and ends only on Close or session failure.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = Connecting
	c.mu.Unlock()

	sess, err := c.dialer.Dial(ctx, c.bot)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.bot.PlatformOrDefault(), err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	if c.state != Connecting {
		c.state = Disconnected
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	c.session, c.cancel, c.done = sess, cancel, done
	c.mu.Unlock()

	go c.run(runCtx, sess, done)
	return nil
}

func (c *Connection) run(ctx context.Context, sess platform.Session, done chan struct{}) {
	defer close(done)

	err := sess.Run(ctx, c)
	c.inflight.Wait()

	c.mu.Lock()
	closing := c.state == Closing
	c.state = Disconnected
	cancel := c.cancel
	c.session, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	cancel()

	switch {
	case err != nil && !closing:
		slog.Error("connection: session ended", "tenant", c.bot.TenantID, "bot", c.bot.BotID, "err", err)
	case !closing:
		slog.Warn("connection: session ended without error", "tenant", c.bot.TenantID, "bot", c.bot.BotID)
	default:
		slog.Info("connection: closed", "tenant", c.bot.TenantID, "bot", c.bot.BotID)
	}
}

// Close cancels the session and waits for it to settle. Closing a
// disconnected connection is a no-op. ctx bounds the wait.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == Disconnected:
		c.mu.Unlock()
		return nil
	case c.state == Connecting && c.done == nil:
		// Still dialing; Start sees Closing and settles to disconnected.
		c.state = Closing
		c.mu.Unlock()
		return nil
	}
	c.state = Closing
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %s/%s: %w", c.bot.TenantID, c.bot.BotID, ctx.Err())
	}
}

// OnReady implements platform.EventHandler. Repeated calls are no-ops.
func (c *Connection) OnReady(self platform.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting {
		return
	}
	c.state = Ready
	c.self = self
	slog.Info("connection: ready",
		"tenant", c.bot.TenantID,
		"bot", c.bot.BotID,
		"platform", c.bot.PlatformOrDefault(),
		"user", self.Username,
	)
}

// readySession returns the session if events may be dispatched.
func (c *Connection) readySession() (platform.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return nil, false
	}
	return c.session, true
}

// OnMessage implements platform.EventHandler. Messages are handled
// concurrently so a slow answer does not block the session loop.
func (c *Connection) OnMessage(ctx context.Context, msg platform.Message) {
	sess, ok := c.readySession()
	if !ok {
		slog.Debug("connection: dropping message before ready", "tenant", c.bot.TenantID, "bot", c.bot.BotID)
		return
	}
	c.dispatch(func() { c.handler.HandleMessage(ctx, c.bot, sess, msg) })
}

// OnInteraction implements platform.EventHandler.
func (c *Connection) OnInteraction(ctx context.Context, in platform.Interaction) {
	sess, ok := c.readySession()
	if !ok {
		return
	}
	c.dispatch(func() { c.handler.HandleInteraction(ctx, c.bot, sess, in) })
}

func (c *Connection) dispatch(fn func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("connection: handler panic", "tenant", c.bot.TenantID, "bot", c.bot.BotID, "panic", r)
			}
		}()
		fn()
	}()
}
