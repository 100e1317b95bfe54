package answer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shawn/tenant-chatbots/internal/answer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, events string) (*httptest.Server, *answer.Question) {
	t.Helper()
	var got answer.Question
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/send-message", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, events)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestAsk_CollectsFragmentsAndDocuments(t *testing.T) {
	srv, got := sseServer(t, ""+
		": keep-alive\n\n"+
		"data: {\"answer_piece\":\"Hello \"}\n\n"+
		"data: {\"context_docs\":{\"top_documents\":[{\"document_id\":\"d1\",\"semantic_identifier\":\"Runbook\"}]}}\n\n"+
		"event: message\ndata: {\"answer_piece\":\"world\"}\n\n"+
		"event: done\ndata: {}\n\n")

	c := answer.New(srv.URL+"/", "secret")
	s, err := c.Ask(context.Background(), answer.Question{ID: "q1", BotID: "bot1", Text: "hi?", DocumentSets: []string{"eng"}})
	require.NoError(t, err)

	a, err := answer.Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", a.Text)
	require.Len(t, a.Documents, 1)
	assert.Equal(t, "Runbook", a.Documents[0].Title)

	assert.Equal(t, "q1", got.ID)
	assert.Equal(t, []string{"eng"}, got.DocumentSets)
}

func TestAsk_EndOfBodyEndsStream(t *testing.T) {
	srv, _ := sseServer(t, "data: {\"answer_piece\":\"partial\"}\n\ndata: {\"answer_piece\":\" end\"}")

	s, err := answer.New(srv.URL, "secret").Ask(context.Background(), answer.Question{})
	require.NoError(t, err)
	a, err := answer.Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "partial end", a.Text)
}

func TestAsk_ErrorFragmentIsTerminal(t *testing.T) {
	srv, _ := sseServer(t, ""+
		"data: {\"answer_piece\":\"Hel\"}\n\n"+
		"data: {\"error\":\"model overloaded\"}\n\n"+
		"data: {\"answer_piece\":\"lo\"}\n\n")

	s, err := answer.New(srv.URL, "secret").Ask(context.Background(), answer.Question{})
	require.NoError(t, err)
	_, err = answer.Collect(context.Background(), s)

	var se *answer.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "model overloaded", se.Message)
}

func TestAsk_EmptyAnswer(t *testing.T) {
	srv, _ := sseServer(t, "data: {\"answer_piece\":\"   \"}\n\nevent: done\ndata: {}\n\n")

	s, err := answer.New(srv.URL, "secret").Ask(context.Background(), answer.Question{})
	require.NoError(t, err)
	_, err = answer.Collect(context.Background(), s)
	assert.ErrorIs(t, err, answer.ErrEmptyAnswer)
}

func TestAsk_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail":"invalid api key"}`)
	}))
	defer srv.Close()

	_, err := answer.New(srv.URL, "bad").Ask(context.Background(), answer.Question{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestFeedback(t *testing.T) {
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := answer.New(srv.URL, "")
	require.NoError(t, c.RecordMessageFeedback(context.Background(), "q1", true))
	require.NoError(t, c.RecordDocumentFeedback(context.Background(), "d1", false))

	assert.Equal(t, []string{"/api/chat/feedback", "/api/doc-retrieval-feedback"}, paths)
	assert.Equal(t, true, bodies[0]["is_positive"])
	assert.Equal(t, "reject", bodies[1]["feedback"])
}
