package protocol

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed steps.yaml
var stepsYAML []byte

var stepCodePattern = regexp.MustCompile(`^S\d{2}$`)

// StepDefinition is one research step of the protocol.
type StepDefinition struct {
	Code             string `yaml:"code" json:"code"`
	Name             string `yaml:"name" json:"name"`
	Kind             Kind   `yaml:"kind" json:"kind"`
	Objective        string `yaml:"objective" json:"objective"`
	Query            string `yaml:"query" json:"query"`
	ComparativeQuery string `yaml:"comparative_query" json:"comparative_query,omitempty"`
	SystemPrompt     string `yaml:"system_prompt" json:"system_prompt"`
	EstimatedTokens  int64  `yaml:"estimated_tokens" json:"estimated_tokens"`
}

// BuildQuery substitutes entity names into the retrieval query. With a
// secondary entity the comparative template is used, or the plain query is
// extended with a comparison request.
func (d StepDefinition) BuildQuery(primary, secondary string) string {
	tmpl := d.Query
	if secondary != "" {
		if d.ComparativeQuery != "" {
			tmpl = d.ComparativeQuery
		} else {
			tmpl = d.Query + " compared with {{secondary}}"
		}
	}
	return render(tmpl, primary, secondary)
}

// BuildSystemPrompt substitutes entity names into the generation prompt.
func (d StepDefinition) BuildSystemPrompt(primary, secondary string) string {
	prompt := render(d.SystemPrompt, primary, secondary)
	if secondary != "" {
		prompt += fmt.Sprintf(" Where the research covers %s, contrast it with %s.", secondary, primary)
	}
	return prompt
}

func render(tmpl, primary, secondary string) string {
	return strings.NewReplacer("{{primary}}", primary, "{{secondary}}", secondary).Replace(tmpl)
}

type stepsFile struct {
	Steps []StepDefinition `yaml:"steps"`
}

// ParseSteps decodes and validates a step catalogue.
func ParseSteps(data []byte) ([]StepDefinition, error) {
	var file stepsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if len(file.Steps) == 0 {
		return nil, fmt.Errorf("step catalogue is empty")
	}
	seen := make(map[string]struct{}, len(file.Steps))
	for i := range file.Steps {
		step := &file.Steps[i]
		step.Code = strings.TrimSpace(step.Code)
		if !stepCodePattern.MatchString(step.Code) {
			return nil, fmt.Errorf("step %d: invalid code %q", i, step.Code)
		}
		if _, dup := seen[step.Code]; dup {
			return nil, fmt.Errorf("step %s: duplicate code", step.Code)
		}
		seen[step.Code] = struct{}{}
		if strings.TrimSpace(step.Query) == "" || strings.TrimSpace(step.SystemPrompt) == "" {
			return nil, fmt.Errorf("step %s: query and system_prompt are required", step.Code)
		}
		if step.Kind == "" {
			step.Kind = KindGeneral
		}
		if !step.Kind.Valid() {
			return nil, fmt.Errorf("step %s: unknown kind %q", step.Code, step.Kind)
		}
	}
	return file.Steps, nil
}

// DefaultSteps returns the embedded step catalogue.
func DefaultSteps() ([]StepDefinition, error) {
	return ParseSteps(stepsYAML)
}

// Codes lists the codes of steps in order.
func Codes(steps []StepDefinition) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Code)
	}
	return out
}
