package helpers

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var (
	// ErrEmptyURL is returned for blank input.
	ErrEmptyURL = errors.New("empty url")
	// ErrInvalidURL is returned when the input cannot be parsed as an http(s) URL with a host.
	ErrInvalidURL = errors.New("invalid url")
	// ErrNoDomain is returned when a host does not look like a registrable domain.
	ErrNoDomain = errors.New("url host is not a domain")
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
}

// ParseHTTPURL parses raw as an http(s) URL, defaulting the scheme to https
// when it is omitted. Whitespace inside the URL, unsupported schemes and
// missing hosts are rejected.
func ParseHTTPURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return nil, ErrInvalidURL
	}
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	case strings.Contains(raw, "://"):
		return nil, ErrInvalidURL
	default:
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidURL
	}
	if u.Hostname() == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

// Domain derives the citation domain of raw: the lower-cased host without
// port and without a leading "www.". The result must contain at least one dot.
func Domain(raw string) (string, error) {
	u, err := ParseHTTPURL(raw)
	if err != nil {
		return "", err
	}
	return DomainFromHost(u.Hostname())
}

// DomainFromHost applies the domain rule to an already extracted host.
func DomainFromHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") {
		return "", ErrNoDomain
	}
	if strings.HasPrefix(host, ".") || strings.Contains(host, "..") {
		return "", ErrNoDomain
	}
	return host, nil
}

// CanonicalURL normalises a URL string for comparison and deduplication.
// It lowercases scheme/host, removes default ports, strips fragments,
// cleans path segments, removes tracking query parameters (utm_*, fbclid, etc.)
// and sorts remaining query parameters deterministically.
func CanonicalURL(raw string) (string, error) {
	parsed, err := ParseHTTPURL(raw)
	if err != nil {
		return "", err
	}

	host := strings.ToLower(parsed.Host)
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = h
		}
	}
	parsed.Host = host

	cleanPath := path.Clean("/" + parsed.Path)
	if cleanPath != "/" && strings.HasSuffix(parsed.Path, "/") {
		cleanPath += "/"
	}
	parsed.Path = cleanPath
	parsed.RawPath = ""
	parsed.Fragment = ""

	query := parsed.Query()
	for key := range query {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			query.Del(key)
		}
	}
	if len(query) == 0 {
		parsed.RawQuery = ""
		return parsed.String(), nil
	}
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			if value != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(value))
			}
		}
	}
	parsed.RawQuery = b.String()
	return parsed.String(), nil
}
