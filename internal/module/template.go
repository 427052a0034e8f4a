package module

import (
	"encoding/json"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Render substitutes {{key}} placeholders from vars. Unknown keys are left
// literal so a missing variable is visible in the delivered content instead
// of silently vanishing.
func Render(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		if val, ok := vars[key]; ok {
			return val
		}
		return match
	})
}

// renderValue walks a decoded payload and renders every string leaf.
func renderValue(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		return Render(t, vars)
	case map[string]any:
		for k, inner := range t {
			t[k] = renderValue(inner, vars)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = renderValue(inner, vars)
		}
		return t
	default:
		return v
	}
}

// BuildPayload merges send-config defaults, per-recipient fields and the
// batch payload, with later layers winning, then renders template variables
// across the result.
func BuildPayload(configBlob, batchPayload json.RawMessage, identifier, name string, vars map[string]string) Payload {
	merged := Payload{}

	var configMap map[string]any
	if len(configBlob) > 0 && json.Unmarshal(configBlob, &configMap) == nil {
		for k, v := range configMap {
			merged[k] = v
		}
	}

	if identifier != "" {
		merged["to"] = identifier
	}
	if name != "" {
		merged["name"] = name
	}

	var batchMap map[string]any
	if len(batchPayload) > 0 && json.Unmarshal(batchPayload, &batchMap) == nil {
		for k, v := range batchMap {
			merged[k] = v
		}
	}

	for k, v := range merged {
		merged[k] = renderValue(v, vars)
	}
	return merged
}

func stringField(p Payload, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}
