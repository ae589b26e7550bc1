package repository

import (
	"bytes"
	"encoding/json"
	"unicode"
)

// normalizeLegacyKeys folds cytrus v4-style key casing (snake_case or
// PascalCase) to lowerCamelCase before the payload is type-validated,
// so a v4 games list parses the same as a native v5 one wherever the
// shapes otherwise agree.
func normalizeLegacyKeys(raw []byte) []byte {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	normalized := normalizeValue(generic)
	out, err := json.Marshal(normalized)
	if err != nil {
		return raw
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[toLowerCamel(k)] = normalizeValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = normalizeValue(child)
		}
		return out
	default:
		return val
	}
}

// toLowerCamel converts snake_case or PascalCase to lowerCamelCase;
// keys already in lowerCamelCase pass through unchanged.
func toLowerCamel(key string) string {
	if key == "" {
		return key
	}
	var buf bytes.Buffer
	upperNext := false
	for i, r := range key {
		if r == '_' || r == '-' {
			upperNext = true
			continue
		}
		if upperNext {
			buf.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		if i == 0 {
			buf.WriteRune(unicode.ToLower(r))
			continue
		}
		buf.WriteRune(r)
	}
	return buf.String()
}
