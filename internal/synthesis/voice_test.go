package synthesis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoiceEnforcerApply(t *testing.T) {
	in := []Section{{
		Name:    SectionOpportunities,
		Content: "<p>we believe growth is <b>very</b> strong!</p>",
		Bullets: []string{"- pricing power", "Pricing power", "  ", "* new markets"},
	}}
	out, report := NewVoiceEnforcer().Apply(in)
	require.Len(t, out, 1)
	assert.Equal(t, "Growth is strong.", out[0].Content)
	assert.Equal(t, []string{"Pricing power", "New markets"}, out[0].Bullets)

	counts := map[string]int{}
	for _, a := range report.Adjustments {
		assert.Equal(t, SectionOpportunities, a.Section)
		counts[a.Rule] = a.Count
	}
	assert.Equal(t, 1, counts[RuleStripHTML])
	assert.Equal(t, 1, counts[RuleFirstPerson])
	assert.Equal(t, 1, counts[RuleHedging])
	assert.Equal(t, 1, counts[RuleExclamation])
	assert.Equal(t, 2, counts[RuleBulletMarkers])
	assert.Equal(t, 1, counts[RuleDupBullets])
	assert.Equal(t, 1, counts[RuleEmptyBullets])
	assert.Equal(t, 3, counts[RuleCapitalize])

	assert.Equal(t, "<p>we believe growth is <b>very</b> strong!</p>", in[0].Content, "input must not be modified")
}

func TestVoiceEnforcerLeavesCleanTextAlone(t *testing.T) {
	in := []Section{{Name: SectionExecutiveSummary, Content: "Acme grew revenue in 2024.", Bullets: []string{"Margins held"}}}
	out, report := NewVoiceEnforcer().Apply(in)
	assert.Equal(t, in, out)
	assert.Empty(t, report.Adjustments)
	assert.Zero(t, report.Total())
}

func TestVoiceEnforcerAddsTerminalPunctuation(t *testing.T) {
	out, report := NewVoiceEnforcer().Apply([]Section{{Name: SectionConvergenceInsight, Content: "Both firms target warehouses"}})
	assert.Equal(t, "Both firms target warehouses.", out[0].Content)
	require.Len(t, report.Adjustments, 1)
	assert.Equal(t, RuleTerminalStop, report.Adjustments[0].Rule)
}

func TestSelfCheck(t *testing.T) {
	in := sampleInput(true)
	full := []Section{
		{Name: SectionExecutiveSummary, Content: "Acme is short."},
		{Name: SectionOverlookedAspects, Content: "Supplier risk."},
		{Name: SectionOpportunities, Content: "Levers.", Bullets: []string{"Direct sales"}},
		{Name: SectionConvergenceInsight, Content: "Acme and Globex share automation."},
	}

	report := NewSelfChecker(20).Check(full, in)
	assert.True(t, report.Pass)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "summary_length", report.Violations[0].Rule)
	assert.Equal(t, SeverityWarning, report.Violations[0].Severity)

	broken := append([]Section(nil), full[:3]...)
	broken[1].Content = "TODO fill in"
	report = NewSelfChecker(5).Check(broken, in)
	assert.False(t, report.Pass)
	rules := map[string]Severity{}
	for _, v := range report.Violations {
		rules[v.Rule+"@"+v.Location] = v.Severity
	}
	assert.Equal(t, SeverityError, rules["forbidden_phrase@"+SectionOverlookedAspects])
	assert.Equal(t, SeverityError, rules["section_present@"+SectionConvergenceInsight])
}

func TestSelfCheckFlagsMissingSecondaryAndFallback(t *testing.T) {
	in := sampleInput(true)
	sections := []Section{
		{Name: SectionExecutiveSummary, Content: "Acme leads its niche in industrial widgets and warehouse automation parts."},
		{Name: SectionOverlookedAspects, Content: "Supplier risk."},
		{Name: SectionOpportunities, Content: "Levers.", Fallback: true},
		{Name: SectionConvergenceInsight, Content: "The themes converge."},
	}
	report := NewSelfChecker(10).Check(sections, in)
	assert.True(t, report.Pass)
	var rules []string
	for _, v := range report.Violations {
		rules = append(rules, v.Rule)
	}
	assert.Equal(t, []string{"fallback_section", "opportunity_bullets", "secondary_named"}, rules)
}
