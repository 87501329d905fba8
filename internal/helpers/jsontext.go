package helpers

import "strings"

// ExtractJSONObject returns the first balanced top-level JSON object found in s.
// Markdown code fences are ignored and braces inside string literals do not
// count towards nesting. When no object is found s is returned trimmed.
func ExtractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1]
				}
			}
		}
	}
	return s
}
