package synthesis

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

// BuildBridge links the profiles of the two entities of a run. Without a
// secondary entity the bridge is empty.
func BuildBridge(primary protocol.Entity, secondary *protocol.Entity, results []protocol.StepResult) Bridge {
	if secondary == nil {
		return Bridge{}
	}
	var b Bridge
	if hasText(primary.Industry) && hasText(secondary.Industry) {
		score := jaccard(words(primary.Industry), words(secondary.Industry))
		if normalizeLabel(primary.Industry) == normalizeLabel(secondary.Industry) {
			score = 1
		}
		b.Links = append(b.Links, BridgeLink{Aspect: "industry", Primary: primary.Industry, Secondary: secondary.Industry, Score: round2(score)})
	}
	if len(primary.Tags) > 0 && len(secondary.Tags) > 0 {
		b.Links = append(b.Links, BridgeLink{
			Aspect:    "tags",
			Primary:   strings.Join(primary.Tags, ", "),
			Secondary: strings.Join(secondary.Tags, ", "),
			Score:     round2(jaccard(tagSet(primary.Tags), tagSet(secondary.Tags))),
		})
	}
	pTerms, sTerms := terms(primary.Description), terms(secondary.Description)
	if len(pTerms) > 0 && len(sTerms) > 0 {
		b.Links = append(b.Links, BridgeLink{
			Aspect:    "profile",
			Primary:   firstSentence(primary.Description),
			Secondary: firstSentence(secondary.Description),
			Score:     round2(jaccard(pTerms, sTerms)),
		})
	}
	if len(results) > 0 && hasText(secondary.Name) {
		mentioned := 0
		for _, r := range results {
			if containsFold(r.Payload.Summary+" "+strings.Join(r.Payload.KeyPoints, " "), secondary.Name) {
				mentioned++
			}
		}
		b.Links = append(b.Links, BridgeLink{
			Aspect:    "coverage",
			Primary:   primary.Name,
			Secondary: fmt.Sprintf("%s named in %d of %d steps", secondary.Name, mentioned, len(results)),
			Score:     round2(float64(mentioned) / float64(len(results))),
		})
	}

	shared := map[string]struct{}{}
	secondaryTags := tagSet(secondary.Tags)
	for t := range tagSet(primary.Tags) {
		if _, ok := secondaryTags[t]; ok {
			shared[t] = struct{}{}
		}
	}
	for t := range pTerms {
		if _, ok := sTerms[t]; ok {
			shared[t] = struct{}{}
		}
	}
	b.SharedTerms = sortedKeys(shared)

	if len(b.Links) > 0 {
		var sum float64
		for _, l := range b.Links {
			sum += l.Score
		}
		b.Score = round2(sum / float64(len(b.Links)))
	}
	return b
}

func words(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ",.;:&")] = struct{}{}
	}
	delete(out, "")
	return out
}

func tagSet(tags []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range tags {
		if k := normalizeLabel(t); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}
