package audit

import "strings"

// RedactedValue replaces sensitive values before an event leaves the
// pipeline. Destinations never see the original.
const RedactedValue = "[REDACTED]"

// sensitiveSubstrings flags a detail key as sensitive when its lowercased
// name contains any of these. "key" deliberately catches apiKey, keyId, etc.
var sensitiveSubstrings = []string{
	"password",
	"token",
	"secret",
	"key",
	"ssn",
	"social_security",
	"credit_card",
	"patient_id",
	"medical_record",
}

// SanitizeDetails returns a deep copy of details with every sensitive value
// replaced by RedactedValue, at any nesting depth. The input map is never
// mutated; callers may keep using their copy.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	return sanitizeMap(details)
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
