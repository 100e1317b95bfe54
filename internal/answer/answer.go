// Package answer is the client side of the question-answering pipeline.
// Answers arrive as a server-sent event stream of fragments.
package answer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyAnswer is returned by Collect when the stream produced no text.
var ErrEmptyAnswer = errors.New("no response content generated")

// StreamError is a terminal error reported by the pipeline inside the stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "error getting answer: " + e.Message
}

// Question is one user message forwarded to the pipeline.
type Question struct {
	ID           string   `json:"client_message_id"`
	TenantID     string   `json:"tenant_id,omitempty"`
	BotID        string   `json:"bot_id"`
	Text         string   `json:"message"`
	ChannelID    string   `json:"channel_id,omitempty"`
	ThreadID     string   `json:"thread_id,omitempty"`
	AuthorID     string   `json:"sender_id,omitempty"`
	DocumentSets []string `json:"document_sets,omitempty"`
}

// Document is a retrieved reference backing an answer.
type Document struct {
	ID              string     `json:"document_id"`
	Title           string     `json:"semantic_identifier"`
	Link            string     `json:"link,omitempty"`
	SourceType      string     `json:"source_type,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	PrimaryOwners   []string   `json:"primary_owners,omitempty"`
	MatchHighlights []string   `json:"match_highlights,omitempty"`
}

// Fragment is one piece of a streamed answer.
type Fragment struct {
	Text      string
	Documents []Document
}

// Stream yields fragments until io.EOF.
type Stream interface {
	Next(ctx context.Context) (Fragment, error)
	Close() error
}

// Pipeline answers questions.
type Pipeline interface {
	Ask(ctx context.Context, q Question) (Stream, error)
}

// Answer is a fully collected answer.
type Answer struct {
	Text      string
	Documents []Document
}

// Collect drains s. A stream error is terminal; an answer without text is
// reported as ErrEmptyAnswer.
func Collect(ctx context.Context, s Stream) (*Answer, error) {
	defer s.Close()

	var (
		text strings.Builder
		docs []Document
	)
	for {
		f, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		text.WriteString(f.Text)
		docs = append(docs, f.Documents...)
	}

	if strings.TrimSpace(text.String()) == "" {
		return nil, ErrEmptyAnswer
	}
	return &Answer{Text: text.String(), Documents: docs}, nil
}

// Client talks to the pipeline's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

// Ask posts q and returns the answer stream. The caller must Close it.
func (c *Client) Ask(ctx context.Context, q Question) (Stream, error) {
	resp, err := c.post(ctx, "/api/chat/send-message", q, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// RecordMessageFeedback stores a thumbs up or down on an answer.
func (c *Client) RecordMessageFeedback(ctx context.Context, messageID string, positive bool) error {
	body := map[string]any{"client_message_id": messageID, "is_positive": positive}
	resp, err := c.post(ctx, "/api/chat/feedback", body, "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RecordDocumentFeedback endorses or rejects a retrieved document.
func (c *Client) RecordDocumentFeedback(ctx context.Context, documentID string, positive bool) error {
	feedback := "reject"
	if positive {
		feedback = "endorse"
	}
	body := map[string]any{"document_id": documentID, "feedback": feedback}
	resp, err := c.post(ctx, "/api/doc-retrieval-feedback", body, "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, path string, v any, accept string) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorResponse(resp)
	}
	return resp, nil
}

func errorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var e struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &e) == nil {
			if msg := e.Error + e.Detail; msg != "" {
				return fmt.Errorf("answer api error (%d): %s", resp.StatusCode, msg)
			}
		}
	}
	return fmt.Errorf("answer api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// packet is the JSON payload of one stream event.
type packet struct {
	AnswerPiece  string     `json:"answer_piece"`
	TopDocuments []Document `json:"top_documents"`
	ContextDocs  *struct {
		TopDocuments []Document `json:"top_documents"`
	} `json:"context_docs"`
	Error string `json:"error"`
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseStream) Next(ctx context.Context) (Fragment, error) {
	for !s.done {
		if err := ctx.Err(); err != nil {
			return Fragment{}, err
		}
		event, data, err := s.readEvent()
		if err != nil {
			return Fragment{}, err
		}
		if event == "done" {
			s.done = true
			break
		}
		if data == "" {
			continue
		}

		var p packet
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return Fragment{}, fmt.Errorf("decoding stream packet: %w", err)
		}
		if event == "error" || p.Error != "" {
			s.done = true
			return Fragment{}, &StreamError{Message: p.Error}
		}

		f := Fragment{Text: p.AnswerPiece, Documents: p.TopDocuments}
		if p.ContextDocs != nil {
			f.Documents = append(f.Documents, p.ContextDocs.TopDocuments...)
		}
		if f.Text == "" && len(f.Documents) == 0 {
			continue
		}
		return f, nil
	}
	return Fragment{}, io.EOF
}

// readEvent reads lines up to the next blank line. End of body with no
// pending data marks the stream done.
func (s *sseStream) readEvent() (string, string, error) {
	var (
		event string
		data  []string
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				return event, strings.Join(data, "\n"), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", "", fmt.Errorf("reading SSE stream: %w", err)
	}
	if event == "" && len(data) == 0 {
		return "done", "", nil
	}
	return event, strings.Join(data, "\n"), nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
