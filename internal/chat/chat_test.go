package chat_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shawn/tenant-chatbots/internal/answer"
	"github.com/shawn/tenant-chatbots/internal/chat"
	"github.com/shawn/tenant-chatbots/internal/platform"
	"github.com/shawn/tenant-chatbots/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceStream struct {
	frags []answer.Fragment
	err   error
}

func (s *sliceStream) Next(context.Context) (answer.Fragment, error) {
	if len(s.frags) == 0 {
		if s.err != nil {
			return answer.Fragment{}, s.err
		}
		return answer.Fragment{}, io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *sliceStream) Close() error { return nil }

type fakePipeline struct {
	mu     sync.Mutex
	asked  []answer.Question
	frags  []answer.Fragment
	err    error
	askErr error
}

func (p *fakePipeline) Ask(_ context.Context, q answer.Question) (answer.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, q)
	if p.askErr != nil {
		return nil, p.askErr
	}
	return &sliceStream{frags: append([]answer.Fragment(nil), p.frags...), err: p.err}, nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []platform.Reply
	acks    []string
	roles   []string
	sendErr error
}

func (s *fakeSender) Send(_ context.Context, r platform.Reply) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil && r.Text != chat.Apology {
		return "", s.sendErr
	}
	s.sent = append(s.sent, r)
	return "m1", nil
}

func (s *fakeSender) Acknowledge(_ context.Context, _ platform.Interaction, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, text)
	return nil
}

func (s *fakeSender) MemberRoles(context.Context, string, string) ([]string, error) {
	return s.roles, nil
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []string
	docs []string
}

func (f *fakeSink) RecordMessageFeedback(_ context.Context, id string, positive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, id)
	return nil
}

func (f *fakeSink) RecordDocumentFeedback(_ context.Context, id string, positive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, id)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs) + len(f.docs)
}

var testBot = registry.Bot{TenantID: "t1", BotID: "bot1", Token: "abc", Enabled: true}

func newResponder(t *testing.T, p *fakePipeline, policies ...registry.ChannelPolicy) (*chat.Responder, *fakeSink) {
	t.Helper()
	reg := registry.NewMock()
	require.NoError(t, reg.PutBot(context.Background(), testBot))
	require.NoError(t, reg.PutChannelPolicies(context.Background(), "t1", "bot1", policies))
	sink := &fakeSink{}
	return chat.NewResponder(p, reg, sink, chat.Config{MaxDocs: 3}), sink
}

func TestShouldRespond(t *testing.T) {
	open := registry.ChannelPolicy{ChannelName: "help", MentionOnly: registry.Bool(false)}
	bots := registry.ChannelPolicy{ChannelName: "ops", RespondToBots: registry.Bool(true)}

	assert.True(t, chat.ShouldRespond(platform.Message{Mentioned: true}, registry.ChannelPolicy{}, false))
	assert.True(t, chat.ShouldRespond(platform.Message{Private: true}, registry.ChannelPolicy{}, false))
	assert.False(t, chat.ShouldRespond(platform.Message{}, registry.ChannelPolicy{}, false))
	assert.False(t, chat.ShouldRespond(platform.Message{}, registry.ChannelPolicy{ChannelName: "x"}, true), "mention only by default")
	assert.True(t, chat.ShouldRespond(platform.Message{}, open, true))
	assert.False(t, chat.ShouldRespond(platform.Message{Mentioned: true, AuthorIsBot: true}, open, true))
	assert.True(t, chat.ShouldRespond(platform.Message{Mentioned: true, AuthorIsBot: true}, bots, true))
}

func TestPrefilter(t *testing.T) {
	assert.False(t, chat.Prefilter(platform.Message{Text: "  "}))
	assert.False(t, chat.Prefilter(platform.Message{Text: "Greetings!"}))
	assert.True(t, chat.Prefilter(platform.Message{Text: "how do I rotate keys?"}))
}

func TestHandleMessage_AnswersWithReferences(t *testing.T) {
	updated := time.Now().Add(-72 * time.Hour)
	p := &fakePipeline{frags: []answer.Fragment{
		{Text: "Use the "},
		{Text: "runbook.", Documents: []answer.Document{{ID: "d1", Title: "Runbook", UpdatedAt: &updated}}},
	}}
	r, _ := newResponder(t, p, registry.ChannelPolicy{ChannelName: "#Help", DocumentSets: []string{"eng"}})
	s := &fakeSender{}

	r.HandleMessage(context.Background(), testBot, s, platform.Message{
		ID: "7", ChannelID: "c1", ChannelName: "help", AuthorID: "u1", Mentioned: true, Text: " how? ",
	})

	require.Len(t, p.asked, 1)
	assert.Equal(t, "how?", p.asked[0].Text)
	assert.Equal(t, []string{"eng"}, p.asked[0].DocumentSets)
	assert.Equal(t, "t1", p.asked[0].TenantID)

	require.Len(t, s.sent, 2)
	assert.Equal(t, "Use the runbook.", s.sent[0].Text)
	assert.Equal(t, "7", s.sent[0].ReplyTo)
	require.Len(t, s.sent[0].Buttons, 2)
	f, err := chat.ParseFeedback(s.sent[0].Buttons[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, p.asked[0].ID, f.ID)
	assert.Equal(t, "u1", f.AskerID)
	assert.True(t, f.Positive)

	assert.Contains(t, s.sent[1].Text, "**Runbook**")
	assert.Contains(t, s.sent[1].Text, "3 days ago")
}

func TestHandleMessage_IgnoresUnaddressed(t *testing.T) {
	p := &fakePipeline{frags: []answer.Fragment{{Text: "x"}}}
	r, _ := newResponder(t, p)
	s := &fakeSender{}

	r.HandleMessage(context.Background(), testBot, s, platform.Message{ChannelName: "random", Text: "hello"})
	r.HandleMessage(context.Background(), testBot, s, platform.Message{Mentioned: true, AuthorIsBot: true, Text: "hello"})
	r.HandleMessage(context.Background(), testBot, s, platform.Message{Mentioned: true, Text: "Hi there"})

	assert.Empty(t, p.asked)
	assert.Empty(t, s.sent)
}

func TestHandleMessage_OpenChannelWithoutMention(t *testing.T) {
	p := &fakePipeline{frags: []answer.Fragment{{Text: "sure"}}}
	r, _ := newResponder(t, p, registry.ChannelPolicy{ChannelName: "help", MentionOnly: registry.Bool(false)})
	s := &fakeSender{}

	r.HandleMessage(context.Background(), testBot, s, platform.Message{ChannelName: "Help", Text: "question"})
	assert.Len(t, p.asked, 1)
}

func TestHandleMessage_RoleGating(t *testing.T) {
	p := &fakePipeline{frags: []answer.Fragment{{Text: "ok"}}}
	r, _ := newResponder(t, p, registry.ChannelPolicy{ChannelName: "staff", AllowedRoles: []string{"admin"}})

	denied := &fakeSender{roles: []string{"member"}}
	r.HandleMessage(context.Background(), testBot, denied, platform.Message{ChannelName: "staff", Mentioned: true, Text: "q"})
	assert.Empty(t, denied.sent)

	allowed := &fakeSender{roles: []string{"Admin"}}
	r.HandleMessage(context.Background(), testBot, allowed, platform.Message{ChannelName: "staff", Mentioned: true, Text: "q"})
	assert.Len(t, allowed.sent, 1)
}

func TestHandleMessage_ApologizesOnFailure(t *testing.T) {
	cases := map[string]*fakePipeline{
		"ask error":    {askErr: errors.New("connection refused")},
		"stream error": {frags: []answer.Fragment{{Text: "par"}}, err: &answer.StreamError{Message: "boom"}},
		"empty answer": {frags: []answer.Fragment{{Text: "  "}}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := newResponder(t, p)
			s := &fakeSender{}

			r.HandleMessage(context.Background(), testBot, s, platform.Message{ID: "9", Private: true, Text: "q"})

			require.Len(t, s.sent, 1)
			assert.Equal(t, chat.Apology, s.sent[0].Text)
			assert.Equal(t, "9", s.sent[0].ReplyTo)
		})
	}
}

func TestHandleMessage_ApologizesWhenAnswerCannotBeSent(t *testing.T) {
	p := &fakePipeline{frags: []answer.Fragment{{Text: "answer"}}}
	r, _ := newResponder(t, p)
	s := &fakeSender{sendErr: errors.New("message too long")}

	r.HandleMessage(context.Background(), testBot, s, platform.Message{Private: true, Text: "q"})

	require.Len(t, s.sent, 1)
	assert.Equal(t, chat.Apology, s.sent[0].Text)
}

func TestHandleMessage_ObservesOutcome(t *testing.T) {
	reg := registry.NewMock()
	var outcomes []string
	observe := func(o string) { outcomes = append(outcomes, o) }

	ok := chat.NewResponder(&fakePipeline{frags: []answer.Fragment{{Text: "answer"}}}, reg, nil, chat.Config{Observe: observe})
	ok.HandleMessage(context.Background(), testBot, &fakeSender{}, platform.Message{Private: true, Text: "q"})

	failing := chat.NewResponder(&fakePipeline{askErr: errors.New("down")}, reg, nil, chat.Config{Observe: observe})
	failing.HandleMessage(context.Background(), testBot, &fakeSender{}, platform.Message{Private: true, Text: "q"})

	assert.Equal(t, []string{"answered", "apology"}, outcomes)
}

func TestHandleInteraction(t *testing.T) {
	r, sink := newResponder(t, &fakePipeline{})
	s := &fakeSender{}
	msgUp := chat.Feedback{ID: "q1", AskerID: "u1", Positive: true}.Payload()
	docDown := chat.Feedback{Document: true, ID: "https://wiki/page|1"}.Payload()

	r.HandleInteraction(context.Background(), testBot, s, platform.Interaction{UserID: "u2", Payload: msgUp})
	r.HandleInteraction(context.Background(), testBot, s, platform.Interaction{UserID: "u1", Payload: msgUp})
	r.HandleInteraction(context.Background(), testBot, s, platform.Interaction{UserID: "u3", Payload: docDown})
	r.HandleInteraction(context.Background(), testBot, s, platform.Interaction{UserID: "u1", Payload: "something else"})

	assert.Equal(t, []string{
		"Only the person who asked the question can provide feedback.",
		"Thanks for the positive feedback!",
		"Thanks for the feedback. We'll note this document might need improvement!",
	}, s.acks)

	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"q1"}, sink.msgs)
	assert.Equal(t, []string{"https://wiki/page|1"}, sink.docs)
}

func TestParseFeedback_Rejects(t *testing.T) {
	for _, p := range []string{"", "fb|", "fb|m|q1", "fb|x|id|+", "fb|d||+", "fb|m|q1|u1|?"} {
		_, err := chat.ParseFeedback(p)
		assert.Error(t, err, p)
	}
}

func TestFormatReferences(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	updated := now.Add(-2 * time.Hour)
	long := strings.Repeat("é", 80)
	docs := []answer.Document{
		{ID: "a", Title: long, SourceType: "confluence", UpdatedAt: &updated, PrimaryOwners: []string{"ana", "bo"},
			Link: "https://wiki/a", MatchHighlights: []string{"  ", " the <hi>rotation</hi>   policy. "}},
		{ID: "a", Title: "duplicate"},
		{ID: "b", Title: "Bare"},
		{ID: "c", Title: "Third"},
		{ID: "d", Title: "Over the limit"},
	}

	out := chat.FormatReferences(docs, 3, now)

	assert.True(t, strings.HasPrefix(out, "Reference Documents\n\n"))
	assert.Contains(t, out, "**"+strings.Repeat("é", 70)+"...**")
	assert.Contains(t, out, "Source: confluence")
	assert.Contains(t, out, "Updated 2 hours ago")
	assert.Contains(t, out, "By ana")
	assert.NotContains(t, out, "bo\n")
	assert.Contains(t, out, "[View Document](https://wiki/a)")
	assert.Contains(t, out, "the **rotation** policy")
	assert.Contains(t, out, "**Bare**\nNo preview available")
	assert.NotContains(t, out, "duplicate")
	assert.NotContains(t, out, "Over the limit")

	assert.Empty(t, chat.FormatReferences(nil, 3, now))
}

func TestFormatReferences_TruncatesExcerpt(t *testing.T) {
	doc := answer.Document{ID: "a", Title: "t", MatchHighlights: []string{strings.Repeat("x", 400)}}
	out := chat.FormatReferences([]answer.Document{doc}, 5, time.Now())
	assert.Contains(t, out, strings.Repeat("x", 297)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 298))
}
