package synthesis

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/mohammad-safakhou/dossier/internal/helpers"
)

var forbiddenPhrases = regexp.MustCompile(`(?i)\b(todo|tbd|lorem ipsum)\b|\[insert|as an ai\b`)

// SelfChecker validates drafted sections against structural rules.
type SelfChecker struct {
	minSummaryChars int
}

// NewSelfChecker creates a checker. minSummaryChars bounds the executive
// summary length below which a warning is raised.
func NewSelfChecker(minSummaryChars int) *SelfChecker {
	return &SelfChecker{minSummaryChars: minSummaryChars}
}

// Check runs every rule over sections in canonical order.
func (c *SelfChecker) Check(sections []Section, in Input) SelfCheckReport {
	byName := map[string]Section{}
	for _, s := range sections {
		byName[s.Name] = s
	}
	var violations []Violation
	add := func(rule string, sev Severity, loc, format string, args ...any) {
		violations = append(violations, Violation{Rule: rule, Severity: sev, Location: loc, Message: fmt.Sprintf(format, args...)})
	}

	for _, name := range SectionNames {
		s, ok := byName[name]
		if !ok || !s.Meaningful() {
			add("section_present", SeverityError, name, "section %s is missing or empty", name)
			continue
		}
		texts := append([]string{s.Content}, s.Bullets...)
		for _, t := range texts {
			if helpers.ContainsHTML(t) {
				add("no_html", SeverityError, name, "section contains markup")
				break
			}
		}
		for _, t := range texts {
			if m := forbiddenPhrases.FindString(t); m != "" {
				add("forbidden_phrase", SeverityError, name, "section contains %q", m)
				break
			}
		}
		if s.Fallback {
			add("fallback_section", SeverityWarning, name, "section was drafted by the fallback template")
		}

		switch name {
		case SectionExecutiveSummary:
			if n := utf8.RuneCountInString(s.Content); n < c.minSummaryChars {
				add("summary_length", SeverityWarning, name, "summary has %d characters, want at least %d", n, c.minSummaryChars)
			}
			if !containsFold(s.Content, in.Primary.Name) {
				add("primary_named", SeverityWarning, name, "summary does not name %s", in.Primary.Name)
			}
		case SectionOpportunities:
			if len(s.Bullets) == 0 {
				add("opportunity_bullets", SeverityWarning, name, "no opportunities are listed")
			}
		case SectionConvergenceInsight:
			if secondary := in.SecondaryName(); secondary != "" && !containsFold(s.Content, secondary) {
				add("secondary_named", SeverityWarning, name, "convergence insight does not name %s", secondary)
			}
		}
	}

	report := SelfCheckReport{Pass: true, Violations: []Violation{}}
	for _, v := range violations {
		if v.Severity == SeverityError {
			report.Pass = false
		}
		report.Violations = append(report.Violations, v)
	}
	return report
}
