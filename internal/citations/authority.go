package citations

import "strings"

// defaultAuthority holds fixed authority weights for well-known publishers.
var defaultAuthority = map[string]float64{
	// regulators and filings
	"sec.gov":               1.0,
	"ftc.gov":               1.0,
	"fda.gov":               1.0,
	"federalreserve.gov":    1.0,
	"europa.eu":             1.0,
	"fca.org.uk":            1.0,
	"companieshouse.gov.uk": 1.0,

	// financial press
	"reuters.com":    0.95,
	"bloomberg.com":  0.95,
	"wsj.com":        0.95,
	"ft.com":         0.95,
	"economist.com":  0.90,
	"nytimes.com":    0.90,
	"apnews.com":     0.90,
	"cnbc.com":       0.85,
	"forbes.com":     0.80,
	"techcrunch.com": 0.80,

	// academic and health
	"nature.com":        0.95,
	"science.org":       0.95,
	"nih.gov":           0.95,
	"who.int":           0.95,
	"ssrn.com":          0.90,
	"sciencedirect.com": 0.90,
	"jstor.org":         0.90,
	"arxiv.org":         0.85,

	// analysts
	"gartner.com":   0.85,
	"forrester.com": 0.85,
	"mckinsey.com":  0.85,
	"idc.com":       0.80,
	"statista.com":  0.75,
}

const (
	companyAuthority  = 0.75
	baselineAuthority = 0.40
	substringPenalty  = 0.95
)

var companyHostPrefixes = []string{"investor.", "investors.", "ir."}

// Authority scores how trustworthy a domain is as a source. Subdomains of a
// known authority domain score 5% below it; other partial matches do not count.
func (s *Scorer) Authority(domain string) float64 {
	domain = cleanDomain(domain)
	if domain == "" {
		return baselineAuthority
	}
	if v, ok := s.authority[domain]; ok {
		return clamp01(v)
	}
	for _, known := range s.authorityKeys {
		if strings.HasSuffix(domain, "."+known) {
			return clamp01(s.authority[known] * substringPenalty)
		}
	}
	if s.isCompany(domain) {
		return companyAuthority
	}
	return baselineAuthority
}

func (s *Scorer) isCompany(domain string) bool {
	for _, entry := range s.companyDomains {
		if domainMatches(entry, domain) {
			return true
		}
	}
	for _, prefix := range companyHostPrefixes {
		if strings.HasPrefix(domain, prefix) {
			return true
		}
	}
	return false
}

func cleanDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")
	return strings.TrimPrefix(domain, "www.")
}
