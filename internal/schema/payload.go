package schema

// GetString extracts a string from an opaque payload map. Returns "" if
// missing or not a string.
func GetString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	val, ok := payload[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// GetNumber extracts a numeric value from an opaque payload map. JSON
// decoding produces float64; int is accepted for values built in-process.
func GetNumber(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetMap extracts a nested map from an opaque payload map.
func GetMap(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}
	val, ok := payload[key].(map[string]any)
	if !ok {
		return nil
	}
	return val
}

// GetStrings extracts a string slice from an opaque payload map, accepting
// both []string and JSON-decoded []any.
func GetStrings(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
