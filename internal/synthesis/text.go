package synthesis

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`about above across after again against among because been before being below
		between both could does doing during each every from further have having here into itself more most other
		over same should some such than that their theirs them then there these they this those through under until
		very were what when where which while whom will with within without would your company companies market
		markets business their also including across while based report reports according`) {
		stopwords[w] = struct{}{}
	}
}

func hasText(s string) bool { return strings.TrimSpace(s) != "" }

func sortResults(rs []protocol.StepResult) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].StepCode < rs[j].StepCode })
}

// terms returns the distinct significant lower-case words of s.
func terms(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len([]rune(w)) < 5 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// jaccard is |a∩b| / |a∪b|, 0 when both are empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

var sentenceEnd = regexp.MustCompile(`[.!?](\s|$)`)

// firstSentence returns the leading sentence of s, or s when it has none.
func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if loc := sentenceEnd.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[:loc[0]+1])
	}
	return s
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func containsFold(s, sub string) bool {
	return sub != "" && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
