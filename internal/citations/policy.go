package citations

import (
	"strings"

	"github.com/mohammad-safakhou/dossier/config"
)

// Policy decides whether a domain may be cited.
type Policy struct {
	allow []string
	deny  []string
}

// NewPolicy builds a Policy from normalized citation configuration.
func NewPolicy(cfg config.CitationConfig) Policy {
	norm := cfg.Normalize()
	return Policy{allow: norm.Allow, deny: norm.Deny}
}

// Allows reports whether domain survives the deny list. An allow entry
// matching the domain overrides any deny entry. Empty domains are allowed.
func (p Policy) Allows(domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
	if domain == "" || len(p.deny) == 0 {
		return true
	}
	for _, entry := range p.allow {
		if domainMatches(entry, domain) {
			return true
		}
	}
	for _, entry := range p.deny {
		if domainMatches(entry, domain) {
			return false
		}
	}
	return true
}

// domainMatches reports whether domain equals entry or is a subdomain of it.
func domainMatches(entry, domain string) bool {
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}
