package schema

import (
	"encoding/json"
	"strconv"
	"strings"
)

// shape is the subset of a JSON Schema document repair understands.
type shape struct {
	Type       typeList          `json:"type"`
	Required   []string          `json:"required"`
	Properties map[string]*shape `json:"properties"`
	Items      *shape            `json:"items"`
	AnyOf      []*shape          `json:"anyOf"`
}

// typeList accepts both "type": "string" and "type": ["string", "null"].
type typeList []string

func (t *typeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = typeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

func (t typeList) allows(kind string) bool {
	for _, k := range t {
		if k == kind || (k == "number" && kind == "integer") {
			return true
		}
	}
	return false
}

// Repair coerces payload toward the schema for code: missing required fields
// are filled with type defaults, scalars are wrapped into single-element
// arrays and strings/numbers are converted where the target type demands.
// The input is not modified. It returns nil if the result is still invalid.
func (r *Registry) Repair(code string, payload any) any {
	doc := r.docs[r.Resolve(code)]
	repaired := repairValue(cloneValue(payload), doc.shape)
	if !r.Validate(code, repaired).Valid {
		return nil
	}
	return repaired
}

func repairValue(value any, s *shape) any {
	if s == nil {
		return value
	}
	if len(s.AnyOf) > 0 {
		for _, alt := range s.AnyOf {
			if alt != nil && alt.Type.allows(kindOf(value)) {
				return repairValue(value, alt)
			}
		}
		return value
	}
	if len(s.Type) == 0 || s.Type.allows(kindOf(value)) && !needsDescent(s) {
		return value
	}
	target := s.Type[0]
	if s.Type.allows(kindOf(value)) {
		target = kindOf(value)
		if target == "integer" {
			target = "number"
		}
	}
	switch target {
	case "object":
		return repairObject(value, s)
	case "array":
		return repairArray(value, s)
	case "string":
		return toString(value)
	case "number", "integer":
		return toNumber(value)
	case "boolean":
		return toBool(value)
	default:
		return value
	}
}

func needsDescent(s *shape) bool {
	return len(s.Properties) > 0 || len(s.Required) > 0 || s.Items != nil
}

func repairObject(value any, s *shape) any {
	obj, ok := value.(map[string]any)
	if !ok {
		if value != nil {
			return value
		}
		obj = map[string]any{}
	}
	for key, prop := range s.Properties {
		if v, present := obj[key]; present && v != nil {
			obj[key] = repairValue(v, prop)
		}
	}
	for _, key := range s.Required {
		if v, present := obj[key]; !present || v == nil {
			obj[key] = zeroValue(s.Properties[key])
		}
	}
	return obj
}

func repairArray(value any, s *shape) any {
	var arr []any
	switch v := value.(type) {
	case []any:
		arr = v
	case nil:
		return []any{}
	default:
		arr = []any{v}
	}
	for i := range arr {
		arr[i] = repairValue(arr[i], s.Items)
	}
	return arr
}

func zeroValue(s *shape) any {
	if s == nil || len(s.Type) == 0 {
		return ""
	}
	switch s.Type[0] {
	case "object":
		return repairObject(map[string]any{}, s)
	case "array":
		return []any{}
	case "number", "integer":
		return float64(0)
	case "boolean":
		return false
	case "null":
		return nil
	default:
		return ""
	}
}

func toString(value any) any {
	switch v := value.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		if len(v) == 1 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return value
}

func toNumber(value any) any {
	switch v := value.(type) {
	case nil:
		return float64(0)
	case string:
		cleaned := strings.TrimSpace(v)
		cleaned = strings.TrimSuffix(cleaned, "%")
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return f
		}
	case bool:
		if v {
			return float64(1)
		}
		return float64(0)
	}
	return value
}

func toBool(value any) any {
	if s, ok := value.(string); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	return value
}

// kindOf maps a decoded JSON value to its JSON Schema type name.
func kindOf(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if v == float64(int64(v)) {
			return "integer"
		}
		return "number"
	case json.Number:
		return "number"
	default:
		return "unknown"
	}
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
