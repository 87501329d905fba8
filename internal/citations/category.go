package citations

import "strings"

type categoryRule struct {
	category SourceType
	domains  []string
	suffixes []string
	contains []string
}

// categoryRules are evaluated in order; the first match wins.
var categoryRules = []categoryRule{
	{
		category: SourceRegulatory,
		domains:  []string{"sec.gov", "ftc.gov", "fda.gov", "europa.eu", "fca.org.uk", "esma.europa.eu", "federalreserve.gov"},
		suffixes: []string{".gov", ".gov.uk", ".mil", ".int"},
		contains: []string{"regulator", ".gov."},
	},
	{
		category: SourceNews,
		domains: []string{
			"reuters.com", "bloomberg.com", "wsj.com", "ft.com", "nytimes.com", "cnbc.com",
			"techcrunch.com", "bbc.co.uk", "bbc.com", "economist.com", "forbes.com", "apnews.com",
			"theverge.com", "businessinsider.com", "axios.com",
		},
		contains: []string{"news", "times", "journal"},
	},
	{
		category: SourceAnalyst,
		domains: []string{
			"gartner.com", "forrester.com", "idc.com", "mckinsey.com", "bcg.com", "bain.com",
			"deloitte.com", "pwc.com", "morningstar.com", "cbinsights.com", "pitchbook.com",
		},
		contains: []string{"analyst", "insights"},
	},
	{
		// matched through Scorer.isCompany
		category: SourceCompany,
	},
	{
		category: SourceIndustry,
		domains:  []string{"statista.com"},
		contains: []string{"association", "industry", "trade"},
	},
	{
		category: SourceAcademic,
		domains:  []string{"arxiv.org", "nature.com", "science.org", "sciencedirect.com", "springer.com", "jstor.org", "ssrn.com"},
		suffixes: []string{".edu", ".ac.uk", ".ac.jp", ".edu.au"},
		contains: []string{"university", "scholar"},
	},
	{
		category: SourceHealthcare,
		domains:  []string{"mayoclinic.org", "webmd.com", "nejm.org", "thelancet.com"},
		contains: []string{"health", "medical", "clinic", "pharma"},
	},
}

// Category assigns a source type by domain pattern. Configured company
// domains are recognised in the company slot; unmatched domains are industry.
func (s *Scorer) Category(domain string) SourceType {
	domain = cleanDomain(domain)
	if domain == "" {
		return SourceIndustry
	}
	for _, rule := range categoryRules {
		if rule.category == SourceCompany && s.isCompany(domain) {
			return SourceCompany
		}
		if rule.matches(domain) {
			return rule.category
		}
	}
	return SourceIndustry
}

func (r categoryRule) matches(domain string) bool {
	for _, d := range r.domains {
		if domainMatches(d, domain) {
			return true
		}
	}
	for _, suffix := range r.suffixes {
		if strings.HasSuffix(domain, suffix) {
			return true
		}
	}
	for _, part := range r.contains {
		if strings.Contains(domain, part) {
			return true
		}
	}
	return false
}

// TypeOf returns the declared type when it is a known category, otherwise
// the domain-derived one.
func (s *Scorer) TypeOf(c Citation) SourceType {
	declared := SourceType(strings.ToLower(strings.TrimSpace(string(c.Type))))
	for _, t := range SourceTypes {
		if declared == t {
			return t
		}
	}
	return s.Category(c.Domain)
}
