package helpers

import (
	"strings"
	"time"
)

// CitationLine is the formatting view of a single referenced source.
type CitationLine struct {
	SourceID  string
	Title     string
	URL       string
	Domain    string
	Snippet   string
	Published time.Time
	Accessed  time.Time
}

type citationConfig struct {
	maxSnippet int
}

// CitationOption configures citation formatting.
type CitationOption func(*citationConfig)

// WithMaxSnippetLength truncates snippets to the provided length (default 180).
func WithMaxSnippetLength(n int) CitationOption {
	return func(cfg *citationConfig) {
		if n > 0 {
			cfg.maxSnippet = n
		}
	}
}

// FormatCitation renders a single citation string in a consistent layout:
// [sourceID] Title: "Snippet" (domain, YYYY-MM-DD) <URL>
func FormatCitation(c CitationLine, opts ...CitationOption) string {
	cfg := citationConfig{maxSnippet: 180}
	for _, opt := range opts {
		opt(&cfg)
	}

	sourceID := strings.TrimSpace(c.SourceID)
	if sourceID == "" {
		sourceID = "source"
	}

	head := "[" + sourceID + "]"
	if title := strings.TrimSpace(c.Title); title != "" {
		head += " " + title
	}
	parts := []string{head}
	if snippet := formatSnippet(c.Snippet, cfg.maxSnippet); snippet != "" {
		parts[0] += ":"
		parts = append(parts, snippet)
	}

	domain := strings.TrimSpace(c.Domain)
	if domain == "" {
		domain, _ = Domain(c.URL)
	}
	if domain != "" {
		meta := domain
		if !c.Published.IsZero() {
			meta += ", " + c.Published.Format("2006-01-02")
		} else if !c.Accessed.IsZero() {
			meta += ", retrieved " + c.Accessed.Format("2006-01-02")
		}
		parts = append(parts, "("+meta+")")
	}

	if link := strings.TrimSpace(c.URL); link != "" {
		parts = append(parts, "<"+link+">")
	}
	return strings.Join(parts, " ")
}

// FormatCitations renders a collection of citations.
func FormatCitations(citations []CitationLine, opts ...CitationOption) []string {
	if len(citations) == 0 {
		return nil
	}
	out := make([]string, 0, len(citations))
	for _, c := range citations {
		out = append(out, FormatCitation(c, opts...))
	}
	return out
}

// TruncateRunes shortens s to at most limit runes, appending an ellipsis when cut.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

func formatSnippet(snippet string, limit int) string {
	snippet = strings.Join(strings.Fields(snippet), " ")
	if snippet == "" {
		return ""
	}
	snippet = TruncateRunes(snippet, limit)
	return `"` + strings.Trim(snippet, `"`) + `"`
}
