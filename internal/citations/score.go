package citations

import (
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dossier/config"
)

// Confidence weights.
const (
	weightAuthority     = 0.40
	weightRecency       = 0.20
	weightCorroboration = 0.25
	weightRelevance     = 0.15
)

// Diversity weights.
const (
	weightDomainVariety  = 0.35
	weightTypeBalance    = 0.30
	weightTemporalSpread = 0.25
	coverageBonus        = 0.10

	// Sets with fewer than broadDomainCount unique domains never score as
	// moderately diverse, whatever their type or date mix.
	broadDomainCount       = 5
	narrowDiversityCeiling = 0.65
)

const day = 24 * time.Hour

// DefaultSectionKeywords drive the relevance factor for synthesis sections.
var DefaultSectionKeywords = map[string][]string{
	"executive_summary":   {"growth", "revenue", "market", "strategy", "risk", "competitive", "customer"},
	"overlooked_aspects":  {"risk", "regulation", "supply", "talent", "dependency", "overlooked", "hidden"},
	"opportunities":       {"opportunity", "expansion", "partnership", "launch", "demand", "growth", "pricing"},
	"convergence_insight": {"partnership", "integration", "overlap", "synergy", "shared", "joint", "complementary"},
}

// Scorer computes per-citation confidence and corpus diversity.
type Scorer struct {
	authority      map[string]float64
	authorityKeys  []string
	companyDomains []string
	keywords       map[string][]string
	now            func() time.Time
}

// NewScorer builds a scorer from citation configuration. Authority overrides
// replace default table entries. now defaults to time.Now.
func NewScorer(cfg config.CitationConfig, now func() time.Time) *Scorer {
	norm := cfg.Normalize()
	if now == nil {
		now = time.Now
	}
	authority := make(map[string]float64, len(defaultAuthority)+len(norm.Authority))
	for d, v := range defaultAuthority {
		authority[d] = v
	}
	for d, v := range norm.Authority {
		authority[d] = v
	}
	keys := make([]string, 0, len(authority))
	for d := range authority {
		keys = append(keys, d)
	}
	// longest first so the most specific parent domain wins
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	keywords := make(map[string][]string, len(DefaultSectionKeywords)+len(norm.SectionKeywords))
	for section, words := range DefaultSectionKeywords {
		keywords[section] = words
	}
	for section, words := range norm.SectionKeywords {
		keywords[strings.ToLower(strings.TrimSpace(section))] = words
	}

	return &Scorer{
		authority:      authority,
		authorityKeys:  keys,
		companyDomains: norm.CompanyDomains,
		keywords:       keywords,
		now:            now,
	}
}

// Recency scores a publication date by age bucket.
func (s *Scorer) Recency(published *time.Time) float64 {
	if published == nil || published.IsZero() {
		return 0.50
	}
	age := s.now().Sub(*published)
	switch {
	case age <= 30*day:
		return 1.0
	case age <= 90*day:
		return 0.85
	case age <= 180*day:
		return 0.70
	case age <= 365*day:
		return 0.55
	default:
		return 0.40
	}
}

// Corroboration scores the number of independent sources for the same claim.
func Corroboration(sources int) float64 {
	switch {
	case sources >= 3:
		return 1.0
	case sources == 2:
		return 0.75
	default:
		return 0.50
	}
}

// Relevance scores keyword overlap between a section's keyword list and text.
// Unknown sections score 0.60.
func (s *Scorer) Relevance(section, text string) float64 {
	words := s.keywords[strings.ToLower(strings.TrimSpace(section))]
	if len(words) == 0 {
		return 0.60
	}
	text = strings.ToLower(text)
	matched := 0
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" && strings.Contains(text, w) {
			matched++
		}
	}
	ratio := float64(matched) / float64(len(words))
	switch {
	case ratio >= 0.6:
		return 1.0
	case ratio >= 0.4:
		return 0.80
	case ratio >= 0.2:
		return 0.60
	default:
		return 0.40
	}
}

// ConfidenceContext carries the signals that are not part of the citation.
type ConfidenceContext struct {
	Section       string
	Corroboration int
}

// Confidence returns the weighted confidence of c in [0,1].
func (s *Scorer) Confidence(c Citation, ctx ConfidenceContext) float64 {
	score := weightAuthority*s.Authority(c.Domain) +
		weightRecency*s.Recency(c.PublishedAt) +
		weightCorroboration*Corroboration(ctx.Corroboration) +
		weightRelevance*s.Relevance(ctx.Section, c.Title+" "+c.Snippet)
	return clamp01(score)
}

// Recency mix buckets.
const (
	RecencyMonth   = "0-30d"
	RecencyQuarter = "31-90d"
	RecencyHalf    = "91-180d"
	RecencyYear    = "181-365d"
	RecencyOlder   = "365d+"
	RecencyUnknown = "unknown"
)

// Metrics describes the diversity of a citation set.
type Metrics struct {
	UniqueDomains    int                `json:"unique_domains"`
	DomainCounts     map[string]int     `json:"domain_counts"`
	TypeDistribution map[SourceType]int `json:"type_distribution"`
	RecencyMix       map[string]int     `json:"recency_mix"`
	DomainVariety    float64            `json:"domain_variety"`
	TypeBalance      float64            `json:"type_balance"`
	TemporalSpread   float64            `json:"temporal_spread"`
	CoverageBonus    float64            `json:"coverage_bonus"`
	DiversityScore   float64            `json:"diversity_score"`
}

// DiversityMetrics computes the composite diversity of cs.
func (s *Scorer) DiversityMetrics(cs []Citation) Metrics {
	m := Metrics{
		DomainCounts:     map[string]int{},
		TypeDistribution: map[SourceType]int{},
		RecencyMix:       map[string]int{},
	}
	if len(cs) == 0 {
		return m
	}
	var earliest, latest time.Time
	for _, c := range cs {
		if d := cleanDomain(c.Domain); d != "" {
			m.DomainCounts[d]++
		}
		m.TypeDistribution[s.TypeOf(c)]++
		m.RecencyMix[s.recencyBucket(c.PublishedAt)]++
		if c.PublishedAt != nil && !c.PublishedAt.IsZero() {
			if earliest.IsZero() || c.PublishedAt.Before(earliest) {
				earliest = *c.PublishedAt
			}
			if latest.IsZero() || c.PublishedAt.After(latest) {
				latest = *c.PublishedAt
			}
		}
	}
	m.UniqueDomains = len(m.DomainCounts)
	m.DomainVariety = domainVariety(m.UniqueDomains)
	m.TypeBalance = typeBalance(m.TypeDistribution, len(cs))
	m.TemporalSpread = temporalSpread(latest.Sub(earliest))
	if hasInstitutional(m.TypeDistribution) && m.TypeDistribution[SourceCompany] > 0 {
		m.CoverageBonus = coverageBonus
	}
	m.DiversityScore = clamp01(weightDomainVariety*m.DomainVariety +
		weightTypeBalance*m.TypeBalance +
		weightTemporalSpread*m.TemporalSpread +
		m.CoverageBonus)
	if m.UniqueDomains < broadDomainCount && m.DiversityScore > narrowDiversityCeiling {
		m.DiversityScore = narrowDiversityCeiling
	}
	return m
}

func (s *Scorer) recencyBucket(published *time.Time) string {
	if published == nil || published.IsZero() {
		return RecencyUnknown
	}
	age := s.now().Sub(*published)
	switch {
	case age <= 30*day:
		return RecencyMonth
	case age <= 90*day:
		return RecencyQuarter
	case age <= 180*day:
		return RecencyHalf
	case age <= 365*day:
		return RecencyYear
	default:
		return RecencyOlder
	}
}

func domainVariety(unique int) float64 {
	switch {
	case unique >= 10:
		return 1.0
	case unique >= 7:
		return 0.85
	case unique >= 5:
		return 0.70
	case unique >= 3:
		return 0.50
	case unique == 2:
		return 0.30
	case unique == 1:
		return 0.10
	default:
		return 0
	}
}

// typeBalance is 1 minus the variance of category shares, normalised by the
// variance of a set concentrated in a single category.
func typeBalance(dist map[SourceType]int, total int) float64 {
	if total == 0 {
		return 0
	}
	k := float64(len(SourceTypes))
	mean := 1 / k
	var variance float64
	for _, t := range SourceTypes {
		share := float64(dist[t]) / float64(total)
		variance += (share - mean) * (share - mean)
	}
	variance /= k
	maxVariance := (k - 1) / (k * k)
	return clamp01(1 - variance/maxVariance)
}

func temporalSpread(span time.Duration) float64 {
	switch {
	case span >= 365*day:
		return 1.0
	case span >= 180*day:
		return 0.80
	case span >= 90*day:
		return 0.60
	case span >= 30*day:
		return 0.40
	case span > 0:
		return 0.20
	default:
		return 0
	}
}

func hasInstitutional(dist map[SourceType]int) bool {
	return dist[SourceRegulatory] > 0 || dist[SourceAcademic] > 0
}
