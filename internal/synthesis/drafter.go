package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/helpers"
	"github.com/mohammad-safakhou/dossier/internal/llm"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

const (
	maxSectionCitations = 5
	maxBullets          = 5
)

// DraftInput is what a drafter sees for every section.
type DraftInput struct {
	Input    Input
	Results  []protocol.StepResult
	Patterns Patterns
	Bridge   Bridge
}

// Drafter writes one named section.
type Drafter interface {
	Draft(ctx context.Context, section string, in DraftInput) (Section, error)
}

// TemplateDrafter builds sections deterministically from patterns. It is
// the fallback for every other drafter.
type TemplateDrafter struct{}

// Draft implements Drafter.
func (TemplateDrafter) Draft(_ context.Context, section string, in DraftInput) (Section, error) {
	primary := in.Input.Primary.Name
	secondary := in.Input.SecondaryName()
	theme := firstPattern(in.Patterns.Themes)
	lever := firstPattern(in.Patterns.Levers)

	s := Section{Name: section, Title: sectionTitles[section]}
	var used []Pattern
	switch section {
	case SectionExecutiveSummary:
		var b strings.Builder
		if lead := leadSummary(in.Results); lead != "" {
			fmt.Fprintf(&b, "%s ", lead)
		}
		fmt.Fprintf(&b, "For %s the strongest recurring theme is %s, and the clearest lever is %s.",
			primary, lowerFirst(theme.Label), lowerFirst(lever.Label))
		if secondary != "" && !in.Bridge.Empty() {
			fmt.Fprintf(&b, " Against %s the profiles overlap with a relevance score of %.2f.", secondary, in.Bridge.Score)
		}
		s.Content = b.String()
		used = append(used, theme, lever)
		for _, p := range limitPatterns(in.Patterns.Themes, 3) {
			s.Bullets = append(s.Bullets, describe(p))
		}
		if proof, ok := first(in.Patterns.Proofs); ok {
			s.Bullets = append(s.Bullets, describe(proof))
			used = append(used, proof)
		}
	case SectionOverlookedAspects:
		s.Content = fmt.Sprintf("Beyond %s, the research surfaces factors that are easy to miss when assessing %s.",
			lowerFirst(theme.Label), primary)
		rest := in.Patterns.Themes
		if len(rest) > 1 {
			rest = rest[1:]
		}
		for _, p := range append(limitPatterns(rest, 3), limitPatterns(in.Patterns.Timing, 2)...) {
			s.Bullets = append(s.Bullets, describe(p))
			used = append(used, p)
		}
	case SectionOpportunities:
		s.Content = fmt.Sprintf("The levers most likely to move %s forward, strongest first.", primary)
		for _, p := range limitPatterns(in.Patterns.Levers, maxBullets) {
			s.Bullets = append(s.Bullets, describe(p))
			used = append(used, p)
		}
	case SectionConvergenceInsight:
		if secondary != "" && !in.Bridge.Empty() {
			s.Content = fmt.Sprintf("%s and %s converge where %s meets %s.",
				primary, secondary, lowerFirst(theme.Label), lowerFirst(lever.Label))
			if len(in.Bridge.SharedTerms) > 0 {
				s.Content += fmt.Sprintf(" Shared ground: %s.", strings.Join(in.Bridge.SharedTerms, ", "))
			}
			for _, l := range in.Bridge.Links {
				s.Bullets = append(s.Bullets, fmt.Sprintf("%s: %s / %s (%.2f)", l.Aspect, l.Primary, l.Secondary, l.Score))
			}
		} else {
			s.Content = fmt.Sprintf("For %s, %s and %s point in the same direction.",
				primary, lowerFirst(theme.Label), lowerFirst(lever.Label))
			for _, p := range limitPatterns(in.Patterns.Timing, 3) {
				s.Bullets = append(s.Bullets, describe(p))
			}
		}
		used = append(used, theme, lever)
	default:
		return Section{}, fmt.Errorf("unknown section %q", section)
	}
	s.Citations = selectCitations(in.Results, used)
	return s, nil
}

func firstPattern(ps []Pattern) Pattern {
	if p, ok := first(ps); ok {
		return p
	}
	return Pattern{Label: "the available findings"}
}

func first(ps []Pattern) (Pattern, bool) {
	if len(ps) == 0 {
		return Pattern{}, false
	}
	return ps[0], true
}

// limitPatterns returns a copy of at most n leading patterns.
func limitPatterns(ps []Pattern, n int) []Pattern {
	if len(ps) > n {
		ps = ps[:n]
	}
	return append([]Pattern(nil), ps...)
}

func describe(p Pattern) string {
	if p.Detail == "" {
		return p.Label
	}
	return p.Label + ": " + p.Detail
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	if len(r) > 1 && r[1] >= 'A' && r[1] <= 'Z' {
		return s
	}
	return strings.ToLower(string(r[0])) + string(r[1:])
}

// leadSummary is the first sentence of the earliest step with a summary.
func leadSummary(results []protocol.StepResult) string {
	for _, r := range results {
		if s := firstSentence(r.Payload.Summary); s != "" {
			return s
		}
	}
	return ""
}

// selectCitations picks citations from the steps supporting patterns.
func selectCitations(results []protocol.StepResult, patterns []Pattern) []citations.RawCitation {
	codes := map[string]struct{}{}
	for _, p := range patterns {
		for _, c := range p.StepCodes {
			codes[c] = struct{}{}
		}
	}
	seen := map[string]struct{}{}
	var out []citations.RawCitation
	for _, r := range results {
		if _, ok := codes[r.StepCode]; !ok {
			continue
		}
		for _, c := range append(append([]citations.RawCitation{}, r.Payload.Citations...), r.Citations...) {
			key, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if _, dup := seen[string(key)]; dup {
				continue
			}
			seen[string(key)] = struct{}{}
			out = append(out, c)
			if len(out) == maxSectionCitations {
				return out
			}
		}
	}
	return out
}

// LLMDrafter asks a generation service for section text.
type LLMDrafter struct {
	generator llm.Generator
}

// NewLLMDrafter creates a drafter backed by g.
func NewLLMDrafter(g llm.Generator) *LLMDrafter { return &LLMDrafter{generator: g} }

const draftSystemPrompt = "You are a senior research analyst writing one section of a business dossier. " +
	"Use only the findings provided. Respond with a JSON object {\"content\": string, \"bullets\": [string]}."

var sectionBriefs = map[string]string{
	SectionExecutiveSummary:   "Summarize the most important findings and why they matter.",
	SectionOverlookedAspects:  "Describe risks and factors a reader is likely to miss.",
	SectionOpportunities:      "List concrete opportunities, strongest first.",
	SectionConvergenceInsight: "Explain where the themes and levers converge, and how the two entities relate when there are two.",
}

type draftResponse struct {
	Content string   `json:"content"`
	Bullets []string `json:"bullets"`
}

// Draft implements Drafter.
func (d *LLMDrafter) Draft(ctx context.Context, section string, in DraftInput) (Section, error) {
	brief, ok := sectionBriefs[section]
	if !ok {
		return Section{}, fmt.Errorf("unknown section %q", section)
	}
	findings, err := json.Marshal(struct {
		Primary   string   `json:"primary"`
		Secondary string   `json:"secondary,omitempty"`
		Patterns  Patterns `json:"patterns"`
		Bridge    Bridge   `json:"bridge"`
		Summaries []string `json:"summaries"`
	}{
		Primary:   in.Input.Primary.Name,
		Secondary: in.Input.SecondaryName(),
		Patterns:  in.Patterns,
		Bridge:    in.Bridge,
		Summaries: summaries(in.Results),
	})
	if err != nil {
		return Section{}, fmt.Errorf("encode findings: %w", err)
	}
	gen, err := d.generator.Generate(ctx, draftSystemPrompt,
		fmt.Sprintf("Section: %s\nBrief: %s\nFindings:\n%s", sectionTitles[section], brief, findings))
	if err != nil {
		return Section{}, fmt.Errorf("generate %s: %w", section, err)
	}
	var resp draftResponse
	if err := json.Unmarshal([]byte(helpers.ExtractJSONObject(gen.Content)), &resp); err != nil {
		return Section{}, fmt.Errorf("decode %s draft: %w", section, err)
	}
	s := Section{
		Name:      section,
		Title:     sectionTitles[section],
		Content:   strings.TrimSpace(resp.Content),
		Bullets:   resp.Bullets,
		Citations: selectCitations(in.Results, append(limitPatterns(in.Patterns.Themes, 2), limitPatterns(in.Patterns.Levers, 2)...)),
	}
	if !s.Meaningful() {
		return Section{}, fmt.Errorf("draft for %s is empty", section)
	}
	return s, nil
}

func summaries(results []protocol.StepResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if hasText(r.Payload.Summary) {
			out = append(out, r.StepCode+": "+strings.TrimSpace(r.Payload.Summary))
		}
	}
	return out
}
