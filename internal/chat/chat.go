// Package chat decides which messages a bot answers and turns pipeline
// answers into platform replies.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shawn/tenant-chatbots/internal/answer"
	"github.com/shawn/tenant-chatbots/internal/platform"
	"github.com/shawn/tenant-chatbots/internal/registry"
)

// Apology is the single reply sent when answering a message fails.
const Apology = "I apologize, but I encountered an error while processing your request. Please try again later."

const notAsker = "Only the person who asked the question can provide feedback."

// Some clients flood channels with canned greetings; these never reach the pipeline.
var ignoredGreetings = map[string]struct{}{
	"Welcome back!":                 {},
	"It's going to be a great day.": {},
	"Salutations!":                  {},
	"Greetings!":                    {},
	"Feeling great!":                {},
	"Hi there":                      {},
	":wave:":                        {},
}

// FeedbackSink stores user feedback. Calls are fire-and-forget.
type FeedbackSink interface {
	RecordMessageFeedback(ctx context.Context, messageID string, positive bool) error
	RecordDocumentFeedback(ctx context.Context, documentID string, positive bool) error
}

type Config struct {
	// MaxDocs caps the references shown under an answer.
	MaxDocs int
	// AnswerTimeout bounds one question round trip. Zero means no limit.
	AnswerTimeout time.Duration
	// FeedbackTimeout bounds one feedback write.
	FeedbackTimeout time.Duration
	// Observe, if set, is told "answered" or "apology" for each question.
	Observe func(outcome string)
}

// Responder implements connection.Handler.
type Responder struct {
	pipeline answer.Pipeline
	policies registry.BotSource
	feedback FeedbackSink
	cfg      Config
	now      func() time.Time
}

func NewResponder(pipeline answer.Pipeline, policies registry.BotSource, feedback FeedbackSink, cfg Config) *Responder {
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = 5
	}
	if cfg.FeedbackTimeout <= 0 {
		cfg.FeedbackTimeout = 10 * time.Second
	}
	if cfg.Observe == nil {
		cfg.Observe = func(string) {}
	}
	return &Responder{pipeline: pipeline, policies: policies, feedback: feedback, cfg: cfg, now: time.Now}
}

// Prefilter reports whether msg is worth looking at at all.
func Prefilter(msg platform.Message) bool {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return false
	}
	_, greeting := ignoredGreetings[text]
	return !greeting
}

// ShouldRespond applies addressing rules: direct mentions and private
// chats are always answered; other channel messages only when the channel's
// policy does not require a mention. Bot authors need RespondToBots.
func ShouldRespond(msg platform.Message, policy registry.ChannelPolicy, hasPolicy bool) bool {
	if msg.AuthorIsBot && !(hasPolicy && policy.RespondToBotsOrDefault()) {
		return false
	}
	if msg.Private || msg.Mentioned {
		return true
	}
	return hasPolicy && !policy.MentionOnlyOrDefault()
}

func (r *Responder) HandleMessage(ctx context.Context, bot registry.Bot, s platform.Sender, msg platform.Message) {
	if !Prefilter(msg) {
		slog.Debug("chat: message filtered", "tenant", bot.TenantID, "bot", bot.BotID, "channel", msg.ChannelID)
		return
	}

	policy, hasPolicy := r.channelPolicy(ctx, bot, msg)
	if !ShouldRespond(msg, policy, hasPolicy) {
		return
	}

	if hasPolicy && len(policy.AllowedRoles) > 0 && !msg.Private {
		roles, err := s.MemberRoles(ctx, msg.ChannelID, msg.AuthorID)
		if err != nil {
			slog.Error("chat: failed to look up member roles", "tenant", bot.TenantID, "bot", bot.BotID, "err", err)
			return
		}
		if !policy.AllowsRoles(roles) {
			slog.Debug("chat: author lacks allowed role", "tenant", bot.TenantID, "bot", bot.BotID, "user", msg.AuthorID)
			return
		}
	}

	q := answer.Question{
		ID:           uuid.NewString(),
		TenantID:     bot.TenantID,
		BotID:        bot.BotID,
		Text:         strings.TrimSpace(msg.Text),
		ChannelID:    msg.ChannelID,
		ThreadID:     msg.ThreadID,
		AuthorID:     msg.AuthorID,
		DocumentSets: policy.DocumentSets,
	}

	a, err := r.ask(ctx, q)
	if err != nil {
		slog.Error("chat: failed to answer", "tenant", bot.TenantID, "bot", bot.BotID, "question", q.ID, "err", err)
		r.apologize(ctx, bot, s, msg)
		return
	}

	reply := platform.Reply{
		ChannelID: msg.ChannelID,
		ReplyTo:   msg.ID,
		ThreadID:  msg.ThreadID,
		Text:      a.Text,
		Buttons:   feedbackButtons(Feedback{ID: q.ID, AskerID: msg.AuthorID}),
	}
	if _, err := s.Send(ctx, reply); err != nil {
		slog.Error("chat: failed to send answer", "tenant", bot.TenantID, "bot", bot.BotID, "err", err)
		r.apologize(ctx, bot, s, msg)
		return
	}
	r.cfg.Observe("answered")

	refs := FormatReferences(a.Documents, r.cfg.MaxDocs, r.now())
	if refs == "" {
		return
	}
	refReply := platform.Reply{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      refs,
		Buttons:   feedbackButtons(Feedback{Document: true, ID: a.Documents[0].ID}),
	}
	if _, err := s.Send(ctx, refReply); err != nil {
		slog.Warn("chat: failed to send references", "tenant", bot.TenantID, "bot", bot.BotID, "err", err)
	}
}

func (r *Responder) ask(ctx context.Context, q answer.Question) (*answer.Answer, error) {
	if r.cfg.AnswerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AnswerTimeout)
		defer cancel()
	}
	stream, err := r.pipeline.Ask(ctx, q)
	if err != nil {
		return nil, err
	}
	return answer.Collect(ctx, stream)
}

// channelPolicy finds the policy for the message's channel. Lookup
// failures are treated as no policy.
func (r *Responder) channelPolicy(ctx context.Context, bot registry.Bot, msg platform.Message) (registry.ChannelPolicy, bool) {
	if msg.Private || msg.ChannelName == "" {
		return registry.ChannelPolicy{}, false
	}
	policies, err := r.policies.ListChannelPolicies(ctx, bot.TenantID, bot.BotID)
	if err != nil {
		if !errors.Is(err, registry.ErrBotNotFound) {
			slog.Warn("chat: failed to load channel policies", "tenant", bot.TenantID, "bot", bot.BotID, "err", err)
		}
		return registry.ChannelPolicy{}, false
	}
	return registry.MatchChannelPolicy(policies, msg.ChannelName)
}

func (r *Responder) apologize(ctx context.Context, bot registry.Bot, s platform.Sender, msg platform.Message) {
	r.cfg.Observe("apology")
	_, err := s.Send(ctx, platform.Reply{
		ChannelID: msg.ChannelID,
		ReplyTo:   msg.ID,
		ThreadID:  msg.ThreadID,
		Text:      Apology,
	})
	if err != nil {
		slog.Error("chat: failed to send apology", "tenant", bot.TenantID, "bot", bot.BotID, "err", err)
	}
}

func (r *Responder) HandleInteraction(ctx context.Context, bot registry.Bot, s platform.Sender, in platform.Interaction) {
	f, err := ParseFeedback(in.Payload)
	if err != nil {
		slog.Debug("chat: ignoring interaction", "tenant", bot.TenantID, "bot", bot.BotID, "payload", in.Payload)
		return
	}

	if !f.Document && f.AskerID != "" && f.AskerID != in.UserID {
		if err := s.Acknowledge(ctx, in, notAsker); err != nil {
			slog.Warn("chat: failed to acknowledge interaction", "tenant", bot.TenantID, "bot", bot.BotID, "err", err)
		}
		return
	}

	if err := s.Acknowledge(ctx, in, acknowledgement(f)); err != nil {
		slog.Warn("chat: failed to acknowledge interaction", "tenant", bot.TenantID, "bot", bot.BotID, "err", err)
	}
	r.record(ctx, bot, f)
}

// record hands feedback to the sink without blocking the caller.
func (r *Responder) record(ctx context.Context, bot registry.Bot, f Feedback) {
	if r.feedback == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FeedbackTimeout)
	go func() {
		defer cancel()
		var err error
		if f.Document {
			err = r.feedback.RecordDocumentFeedback(ctx, f.ID, f.Positive)
		} else {
			err = r.feedback.RecordMessageFeedback(ctx, f.ID, f.Positive)
		}
		if err != nil {
			slog.Error("chat: failed to record feedback", "tenant", bot.TenantID, "bot", bot.BotID, "id", f.ID, "err", err)
		}
	}()
}
