package reqsession

import "strings"

// sensitiveKeyFragments matches spec.md §4.2's redaction-on-read rule:
// keys whose lowercased name contains any of these fragments.
var sensitiveKeyFragments = []string{
	"token", "password", "secret", "apikey", "authorization", "bearer", "cookie",
}

const redactedValue = "[REDACTED]"

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of vars with values under sensitive keys
// replaced by "[REDACTED]", recursing through objects and arrays of
// objects; primitive arrays are left untouched (spec.md §4.2).
func Redact(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if isSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			if m, ok := elem.(map[string]any); ok {
				out[i] = Redact(m)
			} else {
				out[i] = elem
			}
		}
		return out
	default:
		return v
	}
}
