package normalize

import "encoding/json"

// Harnesses disagree on field naming for the same logical concept (camelCase
// vs snake_case, "callId" vs "tool_call_id"). The helpers below perform
// ordered fallback lookups so the dispatch logic names each concept once
// instead of scattering duck-typed access.

// anyField returns the first present key's value.
func anyField(props map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := props[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// stringField returns the first present key whose value is a string.
func stringField(props map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := props[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// mapField returns the first present key whose value is an object.
func mapField(props map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		if v, ok := props[key]; ok {
			if m, ok := v.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// stringify renders a field value as text: strings pass through, anything
// else is JSON-encoded. Harnesses send tool output both ways.
func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
