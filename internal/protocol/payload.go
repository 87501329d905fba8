package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/dossier/internal/citations"
)

// Kind selects the payload variant a step produces.
type Kind string

const (
	KindGeneral   Kind = "general"
	KindPressures Kind = "pressures"
	KindLevers    Kind = "levers"
	KindSignals   Kind = "signals"
	KindMetrics   Kind = "metrics"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindGeneral, KindPressures, KindLevers, KindSignals, KindMetrics:
		return true
	}
	return false
}

// Pressure is an external force acting on the entity's market.
type Pressure struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
}

// Lever is something the entity can act on to grow.
type Lever struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Impact      string `json:"impact,omitempty"`
}

// Signal is a timing indicator.
type Signal struct {
	Signal    string `json:"signal"`
	Window    string `json:"window,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Metric is a numeric fact.
type Metric struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	Period string  `json:"period,omitempty"`
}

// Payload is the decoded, schema-shaped output of a step. Only the slice
// matching Kind is populated.
type Payload struct {
	Kind              Kind                    `json:"kind"`
	Summary           string                  `json:"summary"`
	KeyPoints         []string                `json:"key_points"`
	Citations         []citations.RawCitation `json:"citations"`
	Pressures         []Pressure              `json:"pressures,omitempty"`
	Levers            []Lever                 `json:"levers,omitempty"`
	Signals           []Signal                `json:"signals,omitempty"`
	Metrics           []Metric                `json:"metrics,omitempty"`
	Placeholder       bool                    `json:"placeholder,omitempty"`
	PlaceholderReason string                  `json:"placeholder_reason,omitempty"`
	Repaired          bool                    `json:"repaired,omitempty"`
}

// DecodePayload converts a validated JSON document into the variant for kind.
func DecodePayload(kind Kind, doc any) (Payload, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	p.Kind = kind
	if kind != KindPressures {
		p.Pressures = nil
	}
	if kind != KindLevers {
		p.Levers = nil
	}
	if kind != KindSignals {
		p.Signals = nil
	}
	if kind != KindMetrics {
		p.Metrics = nil
	}
	p.Placeholder = false
	p.PlaceholderReason = ""
	p.Repaired = false
	if p.KeyPoints == nil {
		p.KeyPoints = []string{}
	}
	if p.Citations == nil {
		p.Citations = []citations.RawCitation{}
	}
	return p, nil
}

// PlaceholderPayload is the minimal payload recorded for a step that could
// not produce valid data.
func PlaceholderPayload(kind Kind, reason string) Payload {
	return Payload{
		Kind:              kind,
		Summary:           "",
		KeyPoints:         []string{},
		Citations:         []citations.RawCitation{},
		Placeholder:       true,
		PlaceholderReason: reason,
	}
}

// HasContent reports whether the payload carries any usable data.
func (p Payload) HasContent() bool {
	if p.Placeholder {
		return false
	}
	return p.Summary != "" || len(p.KeyPoints) > 0 || len(p.Pressures) > 0 ||
		len(p.Levers) > 0 || len(p.Signals) > 0 || len(p.Metrics) > 0
}
