// Package matrix connects bots to a Matrix homeserver. The bot token is the
// account's access token; feedback buttons are rendered as reactions.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/shawn/tenant-chatbots/internal/platform"
	"github.com/shawn/tenant-chatbots/internal/registry"
)

// ErrNoHomeserver is returned by Dial when no homeserver is configured.
var ErrNoHomeserver = errors.New("matrix homeserver not configured")

const (
	adminLevel     = 100
	moderatorLevel = 50
)

// Dialer opens sessions against one homeserver.
type Dialer struct {
	Homeserver string
}

func (d *Dialer) Dial(ctx context.Context, bot registry.Bot) (platform.Session, error) {
	if d.Homeserver == "" {
		return nil, ErrNoHomeserver
	}
	client, err := mautrix.NewClient(d.Homeserver, "", bot.Token)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	who, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("whoami: %w", err)
	}
	client.UserID = who.UserID
	client.DeviceID = who.DeviceID

	return newSession(client, bot), nil
}

type roomInfo struct {
	name    string
	private bool
}

// Session is one sync loop for one Matrix account.
type Session struct {
	client *mautrix.Client
	bot    registry.Bot
	since  time.Time

	mu      sync.Mutex
	rooms   map[id.RoomID]roomInfo
	buttons map[id.EventID][]platform.Button
}

func newSession(client *mautrix.Client, bot registry.Bot) *Session {
	return &Session{
		client:  client,
		bot:     bot,
		since:   time.Now(),
		rooms:   make(map[id.RoomID]roomInfo),
		buttons: make(map[id.EventID][]platform.Button),
	}
}

func (s *Session) Run(ctx context.Context, h platform.EventHandler) error {
	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", s.client.Syncer)
	}

	var ready sync.Once
	syncer.OnSync(func(context.Context, *mautrix.RespSync, string) bool {
		ready.Do(func() {
			h.OnReady(platform.Identity{ID: s.client.UserID.String(), Username: s.client.UserID.Localpart()})
		})
		return true
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		s.handleMessage(ctx, h, evt)
	})
	syncer.OnEventType(event.EventReaction, func(ctx context.Context, evt *event.Event) {
		s.handleReaction(ctx, h, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		s.handleMember(ctx, evt)
	})

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	syncErr := make(chan error, 1)
	go func() {
		syncErr <- s.client.SyncWithContext(syncCtx)
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-syncErr
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// fresh reports whether evt happened after the session started and was not
// sent by the bot itself.
func (s *Session) fresh(evt *event.Event) bool {
	if evt.Sender == s.client.UserID {
		return false
	}
	return time.UnixMilli(evt.Timestamp).After(s.since)
}

func (s *Session) handleMessage(ctx context.Context, h platform.EventHandler, evt *event.Event) {
	if !s.fresh(evt) {
		return
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
		return
	}

	info, err := s.room(ctx, evt.RoomID)
	if err != nil {
		slog.Warn("matrix: failed to load room", "tenant", s.bot.TenantID, "bot", s.bot.BotID, "room", evt.RoomID, "err", err)
	}

	msg := platform.Message{
		ID:          evt.ID.String(),
		ChannelID:   evt.RoomID.String(),
		ChannelName: info.name,
		AuthorID:    evt.Sender.String(),
		AuthorName:  evt.Sender.Localpart(),
		AuthorIsBot: content.MsgType == event.MsgNotice,
		Private:     info.private,
		Text:        content.Body,
	}
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread {
		msg.ThreadID = rel.EventID.String()
	}

	me := s.client.UserID
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			if u == me {
				msg.Mentioned = true
			}
		}
	}
	if strings.Contains(msg.Text, me.String()) {
		msg.Mentioned = true
		msg.Text = strings.TrimSpace(strings.ReplaceAll(msg.Text, me.String(), ""))
	}

	h.OnMessage(ctx, msg)
}

func (s *Session) handleReaction(ctx context.Context, h platform.EventHandler, evt *event.Event) {
	if !s.fresh(evt) {
		return
	}
	content := evt.Content.AsReaction()
	rel := content.RelatesTo
	if rel.Type != event.RelAnnotation {
		return
	}

	s.mu.Lock()
	buttons := s.buttons[rel.EventID]
	s.mu.Unlock()

	for _, b := range buttons {
		if b.Label == rel.Key {
			h.OnInteraction(ctx, platform.Interaction{
				ID:        evt.ID.String(),
				ChannelID: evt.RoomID.String(),
				MessageID: rel.EventID.String(),
				UserID:    evt.Sender.String(),
				Payload:   b.Payload,
			})
			return
		}
	}
}

// handleMember joins rooms the bot is invited to and forgets cached room
// details when membership changes.
func (s *Session) handleMember(ctx context.Context, evt *event.Event) {
	s.mu.Lock()
	delete(s.rooms, evt.RoomID)
	s.mu.Unlock()

	if evt.StateKey == nil || id.UserID(*evt.StateKey) != s.client.UserID {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	if _, err := s.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Warn("matrix: failed to join room", "tenant", s.bot.TenantID, "bot", s.bot.BotID, "room", evt.RoomID, "err", err)
		return
	}
	slog.Info("matrix: joined room", "tenant", s.bot.TenantID, "bot", s.bot.BotID, "room", evt.RoomID)
}

// room returns the room's display name and whether it is a one-to-one chat.
func (s *Session) room(ctx context.Context, roomID id.RoomID) (roomInfo, error) {
	s.mu.Lock()
	info, ok := s.rooms[roomID]
	s.mu.Unlock()
	if ok {
		return info, nil
	}

	members, err := s.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return roomInfo{}, fmt.Errorf("joined members: %w", err)
	}
	info.private = len(members.Joined) <= 2

	var name event.RoomNameEventContent
	if err := s.client.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err == nil {
		info.name = name.Name
	}

	s.mu.Lock()
	s.rooms[roomID] = info
	s.mu.Unlock()
	return info, nil
}

// Send posts r as markdown. Buttons become reaction keys seeded by the bot.
func (s *Session) Send(ctx context.Context, r platform.Reply) (string, error) {
	text := r.Text
	if len(r.Buttons) > 0 {
		labels := make([]string, len(r.Buttons))
		for i, b := range r.Buttons {
			labels[i] = b.Label
		}
		text += "\n\n_React with " + strings.Join(labels, " or ") + " to give feedback._"
	}

	content := format.RenderMarkdown(text, true, false)
	if r.ThreadID != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetThread(id.EventID(r.ThreadID), id.EventID(r.ReplyTo))
	} else if r.ReplyTo != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(r.ReplyTo))
	}

	roomID := id.RoomID(r.ChannelID)
	resp, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	if len(r.Buttons) > 0 {
		s.mu.Lock()
		s.buttons[resp.EventID] = r.Buttons
		s.mu.Unlock()
		for _, b := range r.Buttons {
			if _, err := s.client.SendReaction(ctx, roomID, resp.EventID, b.Label); err != nil {
				slog.Debug("matrix: failed to seed reaction", "room", roomID, "err", err)
			}
		}
	}
	return resp.EventID.String(), nil
}

// Acknowledge posts text as a notice, since Matrix has no ephemeral replies.
func (s *Session) Acknowledge(ctx context.Context, in platform.Interaction, text string) error {
	content := event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	if in.MessageID != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(in.MessageID))
	}
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(in.ChannelID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

// MemberRoles maps the user's power level to admin, moderator or member.
func (s *Session) MemberRoles(ctx context.Context, channelID, userID string) ([]string, error) {
	var pl event.PowerLevelsEventContent
	if err := s.client.StateEvent(ctx, id.RoomID(channelID), event.StatePowerLevels, "", &pl); err != nil {
		return nil, fmt.Errorf("power levels: %w", err)
	}
	level := pl.GetUserLevel(id.UserID(userID))
	switch {
	case level >= adminLevel:
		return []string{"admin", "moderator", "member"}, nil
	case level >= moderatorLevel:
		return []string{"moderator", "member"}, nil
	default:
		return []string{"member"}, nil
	}
}
