package synthesis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/dossier/internal/helpers"
)

// RenderMarkdown renders the narrative form of a bundle.
func RenderMarkdown(b *Bundle) string {
	var sb strings.Builder
	title := b.PrimaryName
	if b.SecondaryName != "" {
		title += " and " + b.SecondaryName
	}
	fmt.Fprintf(&sb, "# Research dossier: %s\n\n", title)
	fmt.Fprintf(&sb, "Run %s, generated %s from steps %s.\n", b.RunID, b.GeneratedAt.UTC().Format("2006-01-02"), strings.Join(b.StepCodes, ", "))

	for _, s := range b.Sections {
		fmt.Fprintf(&sb, "\n## %s\n\n", s.Title)
		if s.Content != "" {
			sb.WriteString(s.Content)
			sb.WriteString("\n")
		}
		if len(s.Bullets) > 0 {
			sb.WriteString("\n")
			for _, bullet := range s.Bullets {
				fmt.Fprintf(&sb, "- %s\n", bullet)
			}
		}
		if s.Fallback {
			sb.WriteString("\n_Drafted from findings without narrative generation._\n")
		}
	}

	sb.WriteString("\n## Self-check\n\n")
	if b.SelfCheck.Pass {
		sb.WriteString("Passed")
	} else {
		sb.WriteString("Failed")
	}
	fmt.Fprintf(&sb, " with %d finding(s); %d style adjustment(s) applied.\n", len(b.SelfCheck.Violations), b.VoiceReport.Total())
	if len(b.SelfCheck.Violations) > 0 {
		sb.WriteString("\n")
		for _, v := range b.SelfCheck.Violations {
			fmt.Fprintf(&sb, "- [%s] %s in %s: %s\n", v.Severity, v.Rule, v.Location, v.Message)
		}
	}

	if len(b.Citations) > 0 {
		sb.WriteString("\n## Sources\n\n")
		fmt.Fprintf(&sb, "Diversity %.2f across %d domain(s).\n\n", b.Diversity.DiversityScore, b.Diversity.UniqueDomains)
		for i, c := range b.Citations {
			line := helpers.CitationLine{
				SourceID: strconv.Itoa(i + 1),
				Title:    c.Title,
				URL:      c.URL,
				Domain:   c.Domain,
				Snippet:  c.Snippet,
			}
			if c.PublishedAt != nil {
				line.Published = *c.PublishedAt
			}
			fmt.Fprintf(&sb, "- %s, confidence %.2f\n", helpers.FormatCitation(line), c.Confidence)
		}
	}
	return sb.String()
}

// RenderJSON renders the structured form of a bundle, without the rendered
// fields themselves.
func RenderJSON(b *Bundle) (json.RawMessage, error) {
	view := *b
	view.RenderedText = ""
	view.RenderedJSON = nil
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return data, nil
}
