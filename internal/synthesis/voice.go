package synthesis

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mohammad-safakhou/dossier/internal/helpers"
)

// Voice rules, in the order they are applied.
const (
	RuleStripHTML     = "strip_html"
	RuleFirstPerson   = "first_person"
	RuleHedging       = "hedging"
	RuleExclamation   = "exclamation"
	RuleWhitespace    = "collapse_whitespace"
	RuleCapitalize    = "capitalize"
	RuleTerminalStop  = "terminal_punctuation"
	RuleBulletMarkers = "bullet_markers"
	RuleEmptyBullets  = "empty_bullets"
	RuleDupBullets    = "duplicate_bullets"
)

var (
	firstPerson   = regexp.MustCompile(`(?i)\b(i think|i believe|we believe|we think|in my opinion|in our view),?\s*`)
	hedgeWords    = regexp.MustCompile(`(?i)\b(very|really|basically|actually|quite|extremely)\s+`)
	bulletMarkers = regexp.MustCompile(`^\s*([-*•]|\d+[.)])\s+`)
)

// VoiceEnforcer normalizes section style without calling any service.
type VoiceEnforcer struct {
	policy *bluemonday.Policy
}

// NewVoiceEnforcer creates an enforcer that strips all markup.
func NewVoiceEnforcer() *VoiceEnforcer {
	return &VoiceEnforcer{policy: helpers.StrictHTMLPolicy()}
}

type tally struct {
	counts map[string]int
}

func (t *tally) hit(rule string, changed bool) {
	if changed {
		t.counts[rule]++
	}
}

// Apply returns restyled copies of sections and a report of what changed.
func (v *VoiceEnforcer) Apply(sections []Section) ([]Section, VoiceReport) {
	out := make([]Section, len(sections))
	report := VoiceReport{Adjustments: []Adjustment{}}
	for i, s := range sections {
		t := &tally{counts: map[string]int{}}
		s.Content = v.text(t, s.Content, true)

		bullets := make([]string, 0, len(s.Bullets))
		seen := map[string]struct{}{}
		for _, b := range s.Bullets {
			stripped := bulletMarkers.ReplaceAllString(b, "")
			t.hit(RuleBulletMarkers, stripped != b)
			b = v.text(t, stripped, false)
			if !hasText(b) {
				t.hit(RuleEmptyBullets, true)
				continue
			}
			key := strings.ToLower(b)
			if _, dup := seen[key]; dup {
				t.hit(RuleDupBullets, true)
				continue
			}
			seen[key] = struct{}{}
			bullets = append(bullets, b)
		}
		if s.Bullets != nil {
			s.Bullets = bullets
		}
		out[i] = s

		for _, rule := range []string{
			RuleStripHTML, RuleFirstPerson, RuleHedging, RuleExclamation, RuleWhitespace,
			RuleCapitalize, RuleTerminalStop, RuleBulletMarkers, RuleEmptyBullets, RuleDupBullets,
		} {
			if n := t.counts[rule]; n > 0 {
				report.Adjustments = append(report.Adjustments, Adjustment{Section: s.Name, Rule: rule, Count: n})
			}
		}
	}
	return out, report
}

func (v *VoiceEnforcer) text(t *tally, s string, prose bool) string {
	if helpers.ContainsHTML(s) {
		cleaned := html.UnescapeString(v.policy.Sanitize(s))
		t.hit(RuleStripHTML, cleaned != s)
		s = cleaned
	}
	next := firstPerson.ReplaceAllString(s, "")
	t.hit(RuleFirstPerson, next != s)
	s = next

	next = hedgeWords.ReplaceAllString(s, "")
	t.hit(RuleHedging, next != s)
	s = next

	next = strings.ReplaceAll(s, "!", ".")
	t.hit(RuleExclamation, next != s)
	s = next

	next = strings.Join(strings.Fields(s), " ")
	t.hit(RuleWhitespace, next != s)
	s = next

	if s == "" {
		return s
	}
	r := []rune(s)
	if unicode.IsLower(r[0]) {
		r[0] = unicode.ToUpper(r[0])
		s = string(r)
		t.hit(RuleCapitalize, true)
	}
	if prose && !strings.ContainsAny(s[len(s)-1:], ".?:") {
		s += "."
		t.hit(RuleTerminalStop, true)
	}
	return s
}
