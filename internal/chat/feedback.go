package chat

import (
	"errors"
	"strings"

	"github.com/shawn/tenant-chatbots/internal/platform"
)

const (
	feedbackPrefix = "fb|"
	kindMessage    = "m"
	kindDocument   = "d"

	thumbsUp   = "👍"
	thumbsDown = "👎"
)

var errBadFeedback = errors.New("malformed feedback payload")

// Feedback is a decoded feedback button press.
type Feedback struct {
	// Document is set for feedback on a retrieved document, unset for
	// feedback on an answer.
	Document bool
	// ID is the question id for answers and the document id for documents.
	ID string
	// AskerID is the user who asked the question. Empty for documents.
	AskerID  string
	Positive bool
}

func sign(positive bool) string {
	if positive {
		return "+"
	}
	return "-"
}

// Payload encodes f into a button payload.
func (f Feedback) Payload() string {
	if f.Document {
		return feedbackPrefix + kindDocument + "|" + f.ID + "|" + sign(f.Positive)
	}
	return feedbackPrefix + kindMessage + "|" + f.ID + "|" + f.AskerID + "|" + sign(f.Positive)
}

// ParseFeedback decodes a payload produced by Feedback.Payload.
func ParseFeedback(payload string) (Feedback, error) {
	rest, ok := strings.CutPrefix(payload, feedbackPrefix)
	if !ok {
		return Feedback{}, errBadFeedback
	}
	cut := strings.LastIndex(rest, "|")
	if cut < 0 {
		return Feedback{}, errBadFeedback
	}
	body, s := rest[:cut], rest[cut+1:]
	if s != "+" && s != "-" {
		return Feedback{}, errBadFeedback
	}
	kind, body, ok := strings.Cut(body, "|")
	if !ok || body == "" {
		return Feedback{}, errBadFeedback
	}

	f := Feedback{Positive: s == "+"}
	switch kind {
	case kindDocument:
		f.Document = true
		f.ID = body
	case kindMessage:
		id, asker, ok := strings.Cut(body, "|")
		if !ok || id == "" {
			return Feedback{}, errBadFeedback
		}
		f.ID, f.AskerID = id, asker
	default:
		return Feedback{}, errBadFeedback
	}
	return f, nil
}

func feedbackButtons(f Feedback) []platform.Button {
	up, down := f, f
	up.Positive, down.Positive = true, false
	return []platform.Button{
		{Label: thumbsUp, Payload: up.Payload()},
		{Label: thumbsDown, Payload: down.Payload()},
	}
}

func acknowledgement(f Feedback) string {
	switch {
	case f.Document && f.Positive:
		return "Thanks for the document feedback!"
	case f.Document:
		return "Thanks for the feedback. We'll note this document might need improvement!"
	case f.Positive:
		return "Thanks for the positive feedback!"
	default:
		return "Thanks for the feedback. We'll work on improving!"
	}
}
