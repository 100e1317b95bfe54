// Package platform defines the boundary between bot connections and the
// chat platforms they talk to.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/shawn/tenant-chatbots/internal/registry"
)

// ErrUnsupportedPlatform is returned by Mux for platforms without a dialer.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Identity is the bot's own account on the platform.
type Identity struct {
	ID       string
	Username string
}

// Message is an incoming chat message, normalized across platforms.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	ThreadID    string
	AuthorID    string
	AuthorName  string
	AuthorIsBot bool
	// Private is set for one-to-one conversations with the bot.
	Private bool
	// Mentioned is set when the bot was addressed directly.
	Mentioned bool
	Text      string
}

// Interaction is a user pressing one of the bot's buttons or reactions.
type Interaction struct {
	ID        string
	ChannelID string
	MessageID string
	UserID    string
	Payload   string
}

// Button is an interactive affordance attached to a reply.
type Button struct {
	Label   string
	Payload string
}

// Reply is an outgoing message.
type Reply struct {
	ChannelID string
	// ReplyTo is the platform id of the message being answered, if any.
	ReplyTo  string
	ThreadID string
	Text     string
	Buttons  []Button
}

// Sender is what message handlers use to talk back to the platform.
type Sender interface {
	Send(ctx context.Context, r Reply) (string, error)
	// Acknowledge confirms an interaction so the platform stops waiting on it.
	Acknowledge(ctx context.Context, in Interaction, text string) error
	// MemberRoles lists the roles userID holds in channelID.
	MemberRoles(ctx context.Context, channelID, userID string) ([]string, error)
}

// EventHandler receives session events. OnReady is called once the
// platform handshake completes; it may be called again after a reconnect.
type EventHandler interface {
	OnReady(self Identity)
	OnMessage(ctx context.Context, msg Message)
	OnInteraction(ctx context.Context, in Interaction)
}

// Session is one live connection for one bot credential.
type Session interface {
	Sender
	// Run processes platform events until ctx is cancelled or the session
	// fails. A cancelled ctx returns nil.
	Run(ctx context.Context, h EventHandler) error
}

// Dialer opens sessions for bot credentials.
type Dialer interface {
	Dial(ctx context.Context, bot registry.Bot) (Session, error)
}

// Mux dispatches Dial to the dialer registered for the bot's platform.
type Mux map[registry.Platform]Dialer

func (m Mux) Dial(ctx context.Context, bot registry.Bot) (Session, error) {
	d, ok := m[bot.PlatformOrDefault()]
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, bot.PlatformOrDefault())
	}
	return d.Dial(ctx, bot)
}
