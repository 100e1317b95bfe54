package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/shawn/tenant-chatbots/internal/platform"
	"github.com/shawn/tenant-chatbots/internal/registry"
)

const (
	maxMessageRunes  = 4096
	maxCallbackBytes = 64
	maxRetryDelay    = 30 * time.Second
)

// Dialer opens long-polling sessions.
type Dialer struct {
	BaseURL     string
	PollTimeout time.Duration
	HTTPClient  *http.Client
}

func (d *Dialer) Dial(ctx context.Context, bot registry.Bot) (platform.Session, error) {
	poll := d.PollTimeout
	if poll <= 0 {
		poll = 30 * time.Second
	}
	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: poll + 10*time.Second}
	}

	c := NewClient(d.BaseURL, bot.Token, httpClient)
	me, err := c.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("getMe: %w", err)
	}
	return &Session{client: c, me: *me, bot: bot, poll: poll}, nil
}

// Session is one polling loop for one bot token.
type Session struct {
	client *Client
	me     User
	bot    registry.Bot
	poll   time.Duration
}

func (s *Session) Run(ctx context.Context, h platform.EventHandler) error {
	if err := s.client.DeleteWebhook(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("deleteWebhook: %w", err)
	}
	h.OnReady(platform.Identity{ID: strconv.FormatInt(s.me.ID, 10), Username: s.me.Username})

	var (
		offset   int64
		failures int
	)
	for {
		updates, err := s.client.GetUpdates(ctx, offset, s.poll)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			failures++
			delay := retryDelay(err, failures)
			slog.Warn("telegram: getUpdates failed",
				"tenant", s.bot.TenantID,
				"bot", s.bot.BotID,
				"retry_in", delay,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			s.dispatch(ctx, h, u)
		}
	}
}

func retryDelay(err error, failures int) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	d := time.Second << min(failures-1, 5)
	return min(d, maxRetryDelay)
}

func (s *Session) dispatch(ctx context.Context, h platform.EventHandler, u Update) {
	switch {
	case u.Message != nil:
		m := u.Message
		if m.From != nil && m.From.ID == s.me.ID {
			return
		}
		h.OnMessage(ctx, s.normalize(m))
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		in := platform.Interaction{
			ID:      q.ID,
			UserID:  strconv.FormatInt(q.From.ID, 10),
			Payload: q.Data,
		}
		if q.Message != nil {
			in.ChannelID = strconv.FormatInt(q.Message.Chat.ID, 10)
			in.MessageID = strconv.FormatInt(q.Message.MessageID, 10)
		}
		h.OnInteraction(ctx, in)
	}
}

// normalize converts a Telegram message, detecting and stripping mentions
// of this bot.
func (s *Session) normalize(m *Message) platform.Message {
	msg := platform.Message{
		ID:          strconv.FormatInt(m.MessageID, 10),
		ChannelID:   strconv.FormatInt(m.Chat.ID, 10),
		ChannelName: m.Chat.Username,
		Private:     m.Chat.Type == "private",
		Text:        m.Text,
	}
	if msg.ChannelName == "" {
		msg.ChannelName = m.Chat.Title
	}
	if m.MessageThreadID != 0 {
		msg.ThreadID = strconv.FormatInt(m.MessageThreadID, 10)
	}
	if m.From != nil {
		msg.AuthorID = strconv.FormatInt(m.From.ID, 10)
		msg.AuthorName = m.From.Username
		msg.AuthorIsBot = m.From.IsBot
	}
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == s.me.ID {
		msg.Mentioned = true
	}

	handle := "@" + s.me.Username
	for _, e := range m.Entities {
		switch e.Type {
		case "mention":
			if strings.EqualFold(entityText(m.Text, e), handle) {
				msg.Mentioned = true
			}
		case "text_mention":
			if e.User != nil && e.User.ID == s.me.ID {
				msg.Mentioned = true
			}
		}
	}
	if msg.Mentioned && s.me.Username != "" {
		msg.Text = strings.TrimSpace(replaceFold(msg.Text, handle, ""))
	}
	return msg
}

// entityText slices text by a UTF-16 entity offset and length.
func entityText(text string, e MessageEntity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

func replaceFold(s, old, repl string) string {
	lower, lowerOld := strings.ToLower(s), strings.ToLower(old)
	var b strings.Builder
	for {
		i := strings.Index(lower, lowerOld)
		if i < 0 || len(lower) != len(s) {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(repl)
		s, lower = s[i+len(old):], lower[i+len(old):]
	}
}

func (s *Session) Send(ctx context.Context, r platform.Reply) (string, error) {
	chatID, err := strconv.ParseInt(r.ChannelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", r.ChannelID, err)
	}

	p := SendMessageParams{ChatID: chatID, Text: clip(r.Text, maxMessageRunes)}
	if r.ThreadID != "" {
		p.MessageThreadID, _ = strconv.ParseInt(r.ThreadID, 10, 64)
	}
	if r.ReplyTo != "" {
		if id, err := strconv.ParseInt(r.ReplyTo, 10, 64); err == nil {
			p.ReplyParameters = &ReplyParameters{MessageID: id, AllowSendingWithoutReply: true}
		}
	}
	if row := keyboardRow(r.Buttons); len(row) > 0 {
		p.ReplyMarkup = &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{row}}
	}

	m, err := s.client.SendMessage(ctx, p)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(m.MessageID, 10), nil
}

// keyboardRow drops buttons whose payload exceeds Telegram's callback limit.
func keyboardRow(buttons []platform.Button) []InlineKeyboardButton {
	var row []InlineKeyboardButton
	for _, b := range buttons {
		if len(b.Payload) > maxCallbackBytes {
			slog.Debug("telegram: dropping button with oversized payload", "label", b.Label, "bytes", len(b.Payload))
			continue
		}
		row = append(row, InlineKeyboardButton{Text: b.Label, CallbackData: b.Payload})
	}
	return row
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}

func (s *Session) Acknowledge(ctx context.Context, in platform.Interaction, text string) error {
	return s.client.AnswerCallbackQuery(ctx, in.ID, text)
}

// MemberRoles maps the member's chat status (creator, administrator,
// member...) and custom admin title to roles.
func (s *Session) MemberRoles(ctx context.Context, channelID, userID string) ([]string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	m, err := s.client.GetChatMember(ctx, chatID, uid)
	if err != nil {
		return nil, err
	}
	roles := []string{m.Status}
	if m.CustomTitle != "" {
		roles = append(roles, m.CustomTitle)
	}
	return roles, nil
}
