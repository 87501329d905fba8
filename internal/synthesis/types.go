// Package synthesis turns the step results of a completed run into a
// citation-backed narrative bundle.
package synthesis

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

// Phase is a state of the synthesis build.
type Phase string

const (
	PhaseStart     Phase = "start"
	PhasePatterns  Phase = "patterns"
	PhaseBridge    Phase = "bridge"
	PhaseSections  Phase = "sections"
	PhaseVoice     Phase = "voice"
	PhaseSelfCheck Phase = "selfcheck"
	PhaseCitations Phase = "citations"
	PhaseRender    Phase = "render"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// phaseOrder lists the phases a successful build passes through.
var phaseOrder = []Phase{
	PhaseStart, PhasePatterns, PhaseBridge, PhaseSections, PhaseVoice,
	PhaseSelfCheck, PhaseCitations, PhaseRender, PhaseDone,
}

// Input is what a build consumes.
type Input struct {
	Run       protocol.Run
	Primary   protocol.Entity
	Secondary *protocol.Entity
	Results   []protocol.StepResult
}

// SecondaryName returns the comparison entity name, or "".
func (in Input) SecondaryName() string {
	if in.Secondary == nil {
		return ""
	}
	return in.Secondary.Name
}

// canonical returns the results that carry real data, ordered by step code.
func (in Input) canonical() []protocol.StepResult {
	out := make([]protocol.StepResult, 0, len(in.Results))
	for _, r := range in.Results {
		if r.Canonical() {
			out = append(out, r)
		}
	}
	sortResults(out)
	return out
}

// PatternKind groups detected patterns.
type PatternKind string

const (
	PatternTheme  PatternKind = "theme"
	PatternLever  PatternKind = "lever"
	PatternTiming PatternKind = "timing"
	PatternProof  PatternKind = "proof"
)

// Pattern is a recurring finding and the steps that support it.
type Pattern struct {
	Kind      PatternKind `json:"kind"`
	Label     string      `json:"label"`
	Detail    string      `json:"detail,omitempty"`
	Weight    float64     `json:"weight"`
	StepCodes []string    `json:"step_codes"`
}

// Patterns is the output of the patterns phase.
type Patterns struct {
	Themes []Pattern `json:"themes"`
	Levers []Pattern `json:"levers"`
	Timing []Pattern `json:"timing"`
	Proofs []Pattern `json:"proofs"`
	// Derived is set when themes or levers had to be taken directly from
	// step summaries.
	Derived bool `json:"derived,omitempty"`
}

// BridgeLink relates one aspect of the primary entity to the secondary.
type BridgeLink struct {
	Aspect    string  `json:"aspect"`
	Primary   string  `json:"primary"`
	Secondary string  `json:"secondary"`
	Score     float64 `json:"score"`
}

// Bridge is the relevance linkage between the two entities of a run. It is
// empty when the run has no secondary entity.
type Bridge struct {
	Links       []BridgeLink `json:"links,omitempty"`
	SharedTerms []string     `json:"shared_terms,omitempty"`
	Score       float64      `json:"score"`
}

// Empty reports whether the bridge links anything.
func (b Bridge) Empty() bool { return len(b.Links) == 0 }

// Section names in render order.
const (
	SectionExecutiveSummary   = "executive_summary"
	SectionOverlookedAspects  = "overlooked_aspects"
	SectionOpportunities      = "opportunities"
	SectionConvergenceInsight = "convergence_insight"
)

// SectionNames is the canonical section order.
var SectionNames = []string{
	SectionExecutiveSummary,
	SectionOverlookedAspects,
	SectionOpportunities,
	SectionConvergenceInsight,
}

var sectionTitles = map[string]string{
	SectionExecutiveSummary:   "Executive summary",
	SectionOverlookedAspects:  "Overlooked aspects",
	SectionOpportunities:      "Opportunities",
	SectionConvergenceInsight: "Convergence insight",
}

// Section is a named narrative unit.
type Section struct {
	Name      string                  `json:"name"`
	Title     string                  `json:"title"`
	Content   string                  `json:"content"`
	Bullets   []string                `json:"bullets,omitempty"`
	Citations []citations.RawCitation `json:"citations,omitempty"`
	Fallback  bool                    `json:"fallback,omitempty"`
}

// Meaningful reports whether the section carries any non-blank content.
func (s Section) Meaningful() bool {
	if hasText(s.Content) {
		return true
	}
	for _, b := range s.Bullets {
		if hasText(b) {
			return true
		}
	}
	return false
}

// SectionResult is the outcome of drafting one section. FallbackReason is
// set when the drafter failed and the templated version was used.
type SectionResult struct {
	Section        Section `json:"section"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

// Adjustment records one kind of style change applied to a section.
type Adjustment struct {
	Section string `json:"section"`
	Rule    string `json:"rule"`
	Count   int    `json:"count"`
}

// VoiceReport lists the style adjustments made in the voice phase.
type VoiceReport struct {
	Adjustments []Adjustment `json:"adjustments"`
}

// Total is the number of individual changes.
func (r VoiceReport) Total() int {
	n := 0
	for _, a := range r.Adjustments {
		n += a.Count
	}
	return n
}

// Severity of a self-check violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one failed self-check rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Location string   `json:"location"`
	Message  string   `json:"message"`
}

// SelfCheckReport is the outcome of the selfcheck phase. Pass is false when
// any error-severity rule failed.
type SelfCheckReport struct {
	Pass       bool        `json:"pass"`
	Violations []Violation `json:"violations"`
}

// Bundle is the single artifact a build produces for a run.
type Bundle struct {
	RunID           string               `json:"run_id"`
	PrimaryName     string               `json:"primary_name"`
	SecondaryName   string               `json:"secondary_name,omitempty"`
	StepCodes       []string             `json:"step_codes"`
	Patterns        Patterns             `json:"patterns"`
	Bridge          Bridge               `json:"bridge"`
	Sections        []Section            `json:"sections"`
	FallbackReasons map[string]string    `json:"fallback_reasons,omitempty"`
	VoiceReport     VoiceReport          `json:"voice_report"`
	SelfCheck       SelfCheckReport      `json:"self_check"`
	Citations       []citations.Citation `json:"citations"`
	Diversity       citations.Metrics    `json:"diversity"`
	RenderedText    string               `json:"rendered_text,omitempty"`
	RenderedJSON    json.RawMessage      `json:"rendered_json,omitempty"`
	GeneratedAt     time.Time            `json:"generated_at"`
}

// Section returns the named section.
func (b *Bundle) Section(name string) (Section, bool) {
	for _, s := range b.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}
