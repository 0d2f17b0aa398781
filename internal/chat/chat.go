// Package chat flattens structured chat payloads into plain text.
package chat

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lk2023060901/altpool-go/internal/json"
)

var (
	formatCodes = regexp.MustCompile(`(?i)\x{00A7}[0-9a-fk-or]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Extract returns the plain text of a chat payload. The payload may be a
// string (possibly holding JSON), a number, a bool, a list of components or
// a component object with text, translate, with and extra children.
// Formatting codes are removed and runs of whitespace collapse to one space.
func Extract(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return Extract(parsed)
			}
		}
		return normalize(s)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case []any:
		var sb strings.Builder
		for _, item := range t {
			sb.WriteString(Extract(item))
		}
		return sb.String()
	case map[string]any:
		return normalize(component(t))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func component(m map[string]any) string {
	var sb strings.Builder
	if s, ok := m["text"].(string); ok {
		sb.WriteString(s)
	}
	for _, key := range []string{"translate", "selector", "keybind", "insertion"} {
		if s, ok := m[key].(string); ok {
			sb.WriteString(" ")
			sb.WriteString(s)
		}
	}
	if score, ok := m["score"].(map[string]any); ok {
		switch sv := score["value"].(type) {
		case string, float64:
			sb.WriteString(" ")
			sb.WriteString(Extract(sv))
		}
	}
	if with, ok := m["with"].([]any); ok {
		parts := make([]string, 0, len(with))
		for _, item := range with {
			parts = append(parts, Extract(item))
		}
		sb.WriteString(strings.Join(parts, " "))
	}
	if extra, ok := m["extra"].([]any); ok {
		for _, item := range extra {
			sb.WriteString(Extract(item))
		}
	}
	return sb.String()
}

func normalize(s string) string {
	s = formatCodes.ReplaceAllString(s, "")
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	if s == `""` || s == `''` {
		return ""
	}
	return s
}
