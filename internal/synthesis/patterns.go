package synthesis

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/dossier/internal/helpers"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

const (
	maxThemes       = 8
	maxLevers       = 8
	maxRecurring    = 4
	maxLabelRunes   = 160
	derivedWeight   = 0.3
	numericKPWeight = 0.6
)

// Steps themes and levers are derived from when detection finds none.
var (
	derivedThemeSteps = []string{"S02", "S03", "S10"}
	derivedLeverSteps = []string{"S09", "S07", "S15"}
)

var numericProof = regexp.MustCompile(`(?i)(\d+(\.\d+)?\s?%|[$€£]\s?\d[\d,.]*(\s?(billion|million|bn|m|k))?|\d[\d,.]*\s(billion|million)\b)`)

var levelWeights = map[string]float64{
	"critical": 1.0,
	"high":     0.9,
	"medium":   0.7,
	"moderate": 0.7,
	"low":      0.4,
}

func levelWeight(level string) float64 {
	if w, ok := levelWeights[normalizeLabel(level)]; ok {
		return w
	}
	return 0.5
}

type accumulator struct {
	kind   PatternKind
	order  []string
	byKey  map[string]*Pattern
	steps  map[string]map[string]struct{}
	levels map[string]float64
}

func newAccumulator(kind PatternKind) *accumulator {
	return &accumulator{
		kind:   kind,
		byKey:  map[string]*Pattern{},
		steps:  map[string]map[string]struct{}{},
		levels: map[string]float64{},
	}
}

func (a *accumulator) add(label, detail, code string, level float64) {
	label = helpers.TruncateRunes(strings.Join(strings.Fields(label), " "), maxLabelRunes)
	key := normalizeLabel(label)
	if key == "" {
		return
	}
	p, ok := a.byKey[key]
	if !ok {
		p = &Pattern{Kind: a.kind, Label: label}
		a.byKey[key] = p
		a.steps[key] = map[string]struct{}{}
		a.order = append(a.order, key)
	}
	if p.Detail == "" {
		p.Detail = strings.TrimSpace(detail)
	}
	a.steps[key][code] = struct{}{}
	a.levels[key] = math.Max(a.levels[key], level)
}

// patterns weighs each entry by its level and by the share of steps that
// mention it, strongest first.
func (a *accumulator) patterns(totalSteps, limit int) []Pattern {
	out := make([]Pattern, 0, len(a.order))
	for _, key := range a.order {
		p := *a.byKey[key]
		p.StepCodes = sortedKeys(a.steps[key])
		share := float64(len(p.StepCodes)) / float64(max(totalSteps, 1))
		p.Weight = round2(0.7*a.levels[key] + 0.3*math.Min(1, share*2))
		out = append(out, p)
	}
	sortPatterns(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortPatterns(ps []Pattern) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Weight != ps[j].Weight {
			return ps[i].Weight > ps[j].Weight
		}
		return normalizeLabel(ps[i].Label) < normalizeLabel(ps[j].Label)
	})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// DetectPatterns finds recurring themes, levers, timing signals and numeric
// proofs across canonical step results. At least one theme and one lever are
// always returned when results is non-empty.
func DetectPatterns(results []protocol.StepResult) Patterns {
	themes := newAccumulator(PatternTheme)
	levers := newAccumulator(PatternLever)
	timing := newAccumulator(PatternTiming)
	proofs := newAccumulator(PatternProof)

	for _, r := range results {
		p := r.Payload
		for _, pr := range p.Pressures {
			themes.add(pr.Name, pr.Description, r.StepCode, levelWeight(pr.Severity))
		}
		for _, lv := range p.Levers {
			levers.add(lv.Name, lv.Description, r.StepCode, levelWeight(lv.Impact))
		}
		for _, sg := range p.Signals {
			detail := strings.TrimSpace(strings.Join([]string{sg.Direction, sg.Window}, " "))
			timing.add(sg.Signal, detail, r.StepCode, 0.6)
		}
		for _, m := range p.Metrics {
			proofs.add(m.Name, formatMetric(m), r.StepCode, 1.0)
		}
		for _, kp := range p.KeyPoints {
			if numericProof.MatchString(kp) {
				proofs.add(kp, "", r.StepCode, numericKPWeight)
			}
		}
	}
	for _, term := range recurringTerms(results) {
		for _, code := range term.codes {
			themes.add(term.label, "", code, term.share)
		}
	}

	total := len(results)
	out := Patterns{
		Themes: themes.patterns(total, maxThemes),
		Levers: levers.patterns(total, maxLevers),
		Timing: timing.patterns(total, 0),
		Proofs: proofs.patterns(total, 0),
	}
	if len(results) == 0 {
		return out
	}
	if len(out.Themes) == 0 {
		out.Themes = derivePatterns(PatternTheme, results, derivedThemeSteps)
		out.Derived = true
	}
	if len(out.Levers) == 0 {
		out.Levers = derivePatterns(PatternLever, results, derivedLeverSteps)
		out.Derived = true
	}
	return out
}

func formatMetric(m protocol.Metric) string {
	s := strconv.FormatFloat(m.Value, 'f', -1, 64)
	if m.Unit != "" {
		if m.Unit == "%" {
			s += "%"
		} else {
			s += " " + m.Unit
		}
	}
	if m.Period != "" {
		s += " (" + m.Period + ")"
	}
	return s
}

type recurring struct {
	label string
	codes []string
	share float64
}

// recurringTerms returns words used by at least two steps' summaries and
// key points, most widespread first.
func recurringTerms(results []protocol.StepResult) []recurring {
	if len(results) < 2 {
		return nil
	}
	byTerm := map[string][]string{}
	for _, r := range results {
		text := r.Payload.Summary + " " + strings.Join(r.Payload.KeyPoints, " ")
		for t := range terms(text) {
			byTerm[t] = append(byTerm[t], r.StepCode)
		}
	}
	out := make([]recurring, 0, len(byTerm))
	for t, codes := range byTerm {
		if len(codes) < 2 {
			continue
		}
		sort.Strings(codes)
		out = append(out, recurring{label: t, codes: codes, share: float64(len(codes)) / float64(len(results))})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].codes) != len(out[j].codes) {
			return len(out[i].codes) > len(out[j].codes)
		}
		return out[i].label < out[j].label
	})
	if len(out) > maxRecurring {
		out = out[:maxRecurring]
	}
	return out
}

// derivePatterns takes one pattern per preferred step from its first key
// point or summary sentence, falling back to every result in order.
func derivePatterns(kind PatternKind, results []protocol.StepResult, preferred []string) []Pattern {
	byCode := map[string]protocol.StepResult{}
	for _, r := range results {
		byCode[r.StepCode] = r
	}
	var picked []protocol.StepResult
	for _, code := range preferred {
		if r, ok := byCode[code]; ok {
			picked = append(picked, r)
		}
	}
	if len(picked) == 0 {
		picked = results
	}
	var out []Pattern
	for _, r := range picked {
		if label := leadingFinding(r); label != "" {
			out = append(out, Pattern{
				Kind:      kind,
				Label:     helpers.TruncateRunes(label, maxLabelRunes),
				Weight:    derivedWeight,
				StepCodes: []string{r.StepCode},
			})
		}
	}
	if len(out) == 0 {
		r := picked[0]
		out = append(out, Pattern{
			Kind:      kind,
			Label:     fmt.Sprintf("Findings from step %s", r.StepCode),
			Weight:    derivedWeight,
			StepCodes: []string{r.StepCode},
		})
	}
	return out
}

func leadingFinding(r protocol.StepResult) string {
	for _, kp := range r.Payload.KeyPoints {
		if hasText(kp) {
			return strings.Join(strings.Fields(kp), " ")
		}
	}
	return firstSentence(r.Payload.Summary)
}
