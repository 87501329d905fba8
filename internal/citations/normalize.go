package citations

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/mohammad-safakhou/dossier/internal/helpers"
)

// Outcome classifies what Normalize did with an input.
type Outcome int

const (
	// OutcomeNormalized means a URL was validated and a domain derived.
	OutcomeNormalized Outcome = iota
	// OutcomePassThrough means the record already carried a domain.
	OutcomePassThrough
	// OutcomeInsufficient means the record had no URL; it is kept as-is.
	OutcomeInsufficient
	// OutcomeMalformed means the input was discarded.
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNormalized:
		return "normalized"
	case OutcomePassThrough:
		return "pass_through"
	case OutcomeInsufficient:
		return "insufficient"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Kept reports whether the citation survives normalization.
func (o Outcome) Kept() bool { return o != OutcomeMalformed }

// Normalize converts a raw citation into a canonical record. It never panics
// and returns the same result for the same input.
func Normalize(raw RawCitation) (Citation, Outcome) {
	if !raw.IsRecord() {
		return normalizeURL(Citation{}, raw.Text)
	}

	c := Citation{
		Title:   raw.field("title", "name", "headline"),
		Snippet: raw.field("snippet", "excerpt", "quote", "text", "description"),
		Type:    SourceType(strings.ToLower(raw.field("type", "source_type"))),
	}
	if published := raw.field("published_at", "publishedAt", "published", "date"); published != "" {
		if t, err := parseDate(published); err == nil {
			c.PublishedAt = &t
		}
	}
	link := raw.field("url", "link", "source")

	if domain := raw.field("domain"); domain != "" {
		c.URL = link
		c.Domain = domain
		return c, OutcomePassThrough
	}
	if link == "" {
		return c, OutcomeInsufficient
	}
	return normalizeURL(c, link)
}

func normalizeURL(c Citation, raw string) (Citation, Outcome) {
	u, err := helpers.ParseHTTPURL(raw)
	if err != nil {
		return Citation{}, OutcomeMalformed
	}
	domain, err := helpers.DomainFromHost(u.Hostname())
	if err != nil {
		return Citation{}, OutcomeMalformed
	}
	c.URL = u.String()
	c.Domain = domain
	return c, OutcomeNormalized
}

func parseDate(value string) (time.Time, error) {
	t, err := dateparse.ParseIn(value, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Stats summarizes a normalization pass over one run's citations.
type Stats struct {
	Total        int            `json:"total"`
	Normalized   int            `json:"normalized"`
	PassThrough  int            `json:"pass_through"`
	Insufficient int            `json:"insufficient"`
	Malformed    int            `json:"malformed"`
	Denied       int            `json:"denied"`
	DomainCounts map[string]int `json:"domain_counts"`
	Diversity    float64        `json:"diversity"`
}

// Kept is the number of citations that survived normalization and policy.
func (s Stats) Kept() int {
	return s.Normalized + s.PassThrough + s.Insufficient - s.Denied
}

// Merge folds other into s and recomputes the entropy score.
func (s *Stats) Merge(other Stats) {
	s.Total += other.Total
	s.Normalized += other.Normalized
	s.PassThrough += other.PassThrough
	s.Insufficient += other.Insufficient
	s.Malformed += other.Malformed
	s.Denied += other.Denied
	if s.DomainCounts == nil {
		s.DomainCounts = map[string]int{}
	}
	for d, n := range other.DomainCounts {
		s.DomainCounts[d] += n
	}
	s.Diversity = EntropyScore(s.DomainCounts)
}

// NormalizeAll normalizes every input, drops citations the policy denies and
// returns the survivors in input order together with aggregate statistics.
func NormalizeAll(raws []RawCitation, policy Policy) ([]Citation, Stats) {
	stats := Stats{Total: len(raws), DomainCounts: map[string]int{}}
	out := make([]Citation, 0, len(raws))
	for _, raw := range raws {
		c, outcome := Normalize(raw)
		switch outcome {
		case OutcomeMalformed:
			stats.Malformed++
			continue
		case OutcomeNormalized:
			stats.Normalized++
		case OutcomePassThrough:
			stats.PassThrough++
		case OutcomeInsufficient:
			stats.Insufficient++
		}
		if !policy.Allows(c.Domain) {
			stats.Denied++
			continue
		}
		if c.Domain != "" {
			stats.DomainCounts[strings.ToLower(c.Domain)]++
		}
		out = append(out, c)
	}
	stats.Diversity = EntropyScore(stats.DomainCounts)
	return out, stats
}

// EntropyScore is the Shannon entropy of the domain distribution divided by
// its maximum, log2(k). Zero or one unique domain scores 0.
func EntropyScore(counts map[string]int) float64 {
	domains := make([]string, 0, len(counts))
	total := 0
	for d, n := range counts {
		if n <= 0 {
			continue
		}
		domains = append(domains, d)
		total += n
	}
	if len(domains) <= 1 {
		return 0
	}
	sort.Strings(domains)
	var h float64
	for _, d := range domains {
		p := float64(counts[d]) / float64(total)
		h -= p * math.Log2(p)
	}
	return clamp01(h / math.Log2(float64(len(domains))))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Key identifies a citation for deduplication: its canonical URL when it has
// one, otherwise its domain and title.
func Key(c Citation) string {
	if c.URL != "" {
		if canonical, err := helpers.CanonicalURL(c.URL); err == nil {
			return canonical
		}
	}
	return strings.ToLower(c.Domain) + "|" + strings.ToLower(strings.TrimSpace(c.Title))
}
