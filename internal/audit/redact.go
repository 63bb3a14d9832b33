package audit

import "strings"

// Placeholder replaces every value under a sensitive field name.
const Placeholder = "[REDACTED]"

var sensitiveFields = map[string]struct{}{
	"password":        {},
	"currentpassword": {},
	"newpassword":     {},
	"passwordhash":    {},
	"token":           {},
	"accesstoken":     {},
	"refreshtoken":    {},
	"secret":          {},
	"totpsecret":      {},
	"twofasecret":     {},
	"apikey":          {},
	"recoverycode":    {},
	"recoverycodes":   {},
	"authorization":   {},
	"cookie":          {},
}

// Redact returns a copy of changes with every sensitive field's value
// replaced, descending nested maps and slices. The input is never mutated.
func Redact(changes map[string]any) map[string]any {
	if changes == nil {
		return nil
	}

	out := make(map[string]any, len(changes))
	for key, value := range changes {
		if isSensitive(key) {
			out[key] = Placeholder
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return Redact(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

func isSensitive(field string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(field, "_", ""), "-", ""))
	_, ok := sensitiveFields[normalized]
	return ok
}
