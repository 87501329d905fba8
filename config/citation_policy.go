package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CitationConfig controls which sources may be cited and how they are weighted.
type CitationConfig struct {
	Allow          []string           `mapstructure:"allow"`
	Deny           []string           `mapstructure:"deny"`
	CompanyDomains []string           `mapstructure:"company_domains"`
	Authority      map[string]float64 `mapstructure:"authority"`

	// SectionKeywords overrides the relevance keywords used per section or step code.
	SectionKeywords map[string][]string `mapstructure:"section_keywords"`
	MaxSnippet      int                 `mapstructure:"max_snippet"`
}

// Normalize cleans entries and removes duplicates.
func (c CitationConfig) Normalize() CitationConfig {
	norm := c
	norm.Allow = sanitizeDomainList(norm.Allow)
	norm.Deny = sanitizeDomainList(norm.Deny)
	norm.CompanyDomains = sanitizeDomainList(norm.CompanyDomains)
	if norm.MaxSnippet <= 0 {
		norm.MaxSnippet = 280
	}
	if norm.Authority == nil {
		norm.Authority = map[string]float64{}
		return norm
	}
	authority := make(map[string]float64, len(norm.Authority))
	for host, weight := range norm.Authority {
		key := normalizeHost(host)
		if key == "" {
			continue
		}
		authority[key] = weight
	}
	norm.Authority = authority
	return norm
}

// Validate ensures policy entries do not conflict and weights are in range.
func (c CitationConfig) Validate() error {
	norm := c.Normalize()

	allow := make(map[string]struct{}, len(norm.Allow))
	for _, host := range norm.Allow {
		allow[host] = struct{}{}
	}
	for _, host := range norm.Deny {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("citation policy conflict: host %q present in both allow and deny lists", host)
		}
	}
	for host, weight := range norm.Authority {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("citation authority for %q must be within [0,1], got %v", host, weight)
		}
	}
	return nil
}

func sanitizeDomainList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Hostname()
		}
	}
	value = strings.TrimSuffix(value, ".")
	return strings.TrimPrefix(value, "www.")
}
