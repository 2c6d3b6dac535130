package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Salvage coerces a model response into a JSON object. Models wrap JSON in
// markdown fences, prefix it with prose, emit bare keys, or leave trailing
// commas; each repair is tried in order and parsing is attempted after each
// one. Returns ErrResponseShape when nothing works.
func Salvage(raw string) (map[string]any, error) {
	candidate := strings.TrimSpace(raw)
	if fenced := extractFenced(candidate); fenced != "" {
		candidate = fenced
	}
	if balanced := extractBalanced(candidate); balanced != "" {
		candidate = balanced
	}

	if obj, ok := tryParse(candidate); ok {
		return obj, nil
	}
	candidate = quoteBareKeys(candidate)
	if obj, ok := tryParse(candidate); ok {
		return obj, nil
	}
	candidate = stripTrailingCommas(candidate)
	if obj, ok := tryParse(candidate); ok {
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %.80s", ErrResponseShape, raw)
}

func tryParse(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

var fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractFenced returns the contents of the first markdown code fence.
func extractFenced(s string) string {
	m := fencedRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// extractBalanced returns the outermost balanced {...} block, respecting
// string literals and escapes.
func extractBalanced(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// quoteBareKeys wraps unquoted object keys in double quotes. It scans
// rather than regex-replaces so colons and commas inside string values are
// left untouched.
func quoteBareKeys(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 16)

	inString := false
	escaped := false
	expectKey := true // just after '{' or ',' at object level

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			expectKey = false
			out.WriteByte(c)
		case c == '{' || c == ',':
			expectKey = true
			out.WriteByte(c)
		case expectKey && isKeyStart(c):
			j := i
			for j < len(s) && isKeyChar(s[j]) {
				j++
			}
			k := j
			for k < len(s) && (s[k] == ' ' || s[k] == '\t' || s[k] == '\n' || s[k] == '\r') {
				k++
			}
			if k < len(s) && s[k] == ':' {
				out.WriteByte('"')
				out.WriteString(s[i:j])
				out.WriteByte('"')
			} else {
				out.WriteString(s[i:j])
			}
			i = j - 1
			expectKey = false
		default:
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				expectKey = false
			}
			out.WriteByte(c)
		}
	}
	return out.String()
}

func isKeyStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKeyChar(c byte) bool {
	return isKeyStart(c) || c == '-' || (c >= '0' && c <= '9')
}

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, `$1`)
}
