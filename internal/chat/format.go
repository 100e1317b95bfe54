package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/shawn/tenant-chatbots/internal/answer"
)

const (
	maxTitleRunes   = 70
	maxExcerptRunes = 300
	maxEntryRunes   = 1024

	referencesHeader = "Reference Documents"
)

// FormatReferences renders up to max documents, skipping repeated document
// ids. It returns "" when there is nothing to show.
func FormatReferences(docs []answer.Document, max int, now time.Time) string {
	seen := make(map[string]struct{}, len(docs))
	var entries []string

	for _, d := range docs {
		if len(entries) >= max {
			break
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		entries = append(entries, formatReference(d, now))
	}

	if len(entries) == 0 {
		return ""
	}
	return referencesHeader + "\n\n" + strings.Join(entries, "\n\n")
}

func formatReference(d answer.Document, now time.Time) string {
	title := d.Title
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes]) + "..."
	}

	var parts []string
	if d.SourceType != "" {
		parts = append(parts, "Source: "+d.SourceType)
	}
	if d.UpdatedAt != nil && !d.UpdatedAt.IsZero() {
		parts = append(parts, "Updated "+humanize.RelTime(*d.UpdatedAt, now, "ago", "from now"))
	}
	if len(d.PrimaryOwners) > 0 {
		parts = append(parts, "By "+d.PrimaryOwners[0])
	}
	if d.Link != "" {
		parts = append(parts, fmt.Sprintf("[View Document](%s)", d.Link))
	}
	if h := excerpt(d.MatchHighlights); h != "" {
		parts = append(parts, "\nRelevant excerpt:\n"+h)
	}

	body := strings.Join(parts, "\n")
	if body == "" {
		body = "No preview available"
	}
	body = truncate(body, maxEntryRunes)

	return "**" + title + "**\n" + body
}

// excerpt returns the first non-blank highlight with whitespace collapsed and
// <hi> markers turned into bold.
func excerpt(highlights []string) string {
	for _, h := range highlights {
		h = strings.Trim(strings.TrimSpace(h), " .")
		if h == "" {
			continue
		}
		h = strings.Join(strings.Fields(h), " ")
		h = strings.NewReplacer("<hi>", "**", "</hi>", "**").Replace(h)
		return truncate(h, maxExcerptRunes)
	}
	return ""
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}
