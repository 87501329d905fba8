// Package citations turns heterogeneous citation input into canonical records
// and scores them for confidence and corpus diversity.
package citations

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceType is the coarse category of a citation's publisher.
type SourceType string

const (
	SourceRegulatory SourceType = "regulatory"
	SourceNews       SourceType = "news"
	SourceAnalyst    SourceType = "analyst"
	SourceCompany    SourceType = "company"
	SourceIndustry   SourceType = "industry"
	SourceAcademic   SourceType = "academic"
	SourceHealthcare SourceType = "healthcare"
)

// SourceTypes lists every category in match order.
var SourceTypes = []SourceType{
	SourceRegulatory,
	SourceNews,
	SourceAnalyst,
	SourceCompany,
	SourceIndustry,
	SourceAcademic,
	SourceHealthcare,
}

// Citation is the canonical citation record.
type Citation struct {
	URL           string     `json:"url,omitempty"`
	Domain        string     `json:"domain,omitempty"`
	Title         string     `json:"title,omitempty"`
	Snippet       string     `json:"snippet,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	Type          SourceType `json:"type,omitempty"`
	Confidence    float64    `json:"confidence,omitempty"`
	Corroboration int        `json:"corroboration,omitempty"`
}

// Raw returns c as a record-shaped RawCitation.
func (c Citation) Raw() RawCitation {
	fields := map[string]any{}
	if c.URL != "" {
		fields["url"] = c.URL
	}
	if c.Domain != "" {
		fields["domain"] = c.Domain
	}
	if c.Title != "" {
		fields["title"] = c.Title
	}
	if c.Snippet != "" {
		fields["snippet"] = c.Snippet
	}
	if c.PublishedAt != nil {
		fields["published_at"] = c.PublishedAt.UTC().Format(time.RFC3339)
	}
	if c.Type != "" {
		fields["type"] = string(c.Type)
	}
	return RawCitation{Fields: fields}
}

// RawCitation is a citation as produced by an external service: either a
// bare string (usually a URL) or a partial record with arbitrary keys.
type RawCitation struct {
	Text   string
	Fields map[string]any
}

// IsRecord reports whether the citation was supplied as an object.
func (r RawCitation) IsRecord() bool { return r.Fields != nil }

// field returns the first non-empty string value among keys. Exact key
// matches win over case-insensitive ones; ties resolve in key order.
func (r RawCitation) field(keys ...string) string {
	if len(r.Fields) == 0 {
		return ""
	}
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, want := range keys {
		if s := stringValue(r.Fields[want]); s != "" {
			return s
		}
		for _, k := range names {
			if k != want && strings.EqualFold(k, want) {
				if s := stringValue(r.Fields[k]); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return ""
	}
}

// UnmarshalJSON accepts a JSON string, an object, or any other scalar
// (kept as its literal text).
func (r *RawCitation) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*r = RawCitation{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &r.Text)
	case '{':
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		r.Fields = fields
		return nil
	default:
		r.Text = string(data)
		return nil
	}
}

// MarshalJSON writes records as objects and everything else as a string.
func (r RawCitation) MarshalJSON() ([]byte, error) {
	if r.Fields != nil {
		return json.Marshal(r.Fields)
	}
	return json.Marshal(r.Text)
}

// FromStrings wraps bare URL strings.
func FromStrings(values ...string) []RawCitation {
	out := make([]RawCitation, 0, len(values))
	for _, v := range values {
		out = append(out, RawCitation{Text: v})
	}
	return out
}
