package auditlog

import (
	"encoding/json"
	"strings"
)

// globalRedactPatterns are key substrings that always trigger redaction.
var globalRedactPatterns = []string{
	"token",
	"key",
	"secret",
	"password",
	"authorization",
	"cookie",
	"credential",
}

const redactedValue = "[REDACTED]"

// Redact replaces sensitive values in a JSON object with [REDACTED],
// matching keys against the global patterns plus any extra hints.
func Redact(params json.RawMessage, hints []string) json.RawMessage {
	if len(params) == 0 {
		return params
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return params
	}

	changed := false
	for key, val := range obj {
		if shouldRedact(key, hints) {
			redacted, _ := json.Marshal(redactedValue)
			obj[key] = redacted
			changed = true
			continue
		}
		if redacted := Redact(val, hints); string(redacted) != string(val) {
			obj[key] = redacted
			changed = true
		}
	}

	if !changed {
		return params
	}
	result, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return result
}

func shouldRedact(key string, hints []string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range globalRedactPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	for _, hint := range hints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}
