// Package redact sanitizes free-form action details before they are
// persisted to plan_action_logs.details_json, per spec.md §9: values under
// sensitive keys are replaced with "[redacted]", oversize strings
// truncated, oversize arrays summarised.
package redact

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxStringLen = 4096
	maxArrayLen  = 50
)

var sensitiveKeyFragments = []string{
	"key", "token", "secret", "password", "authorization", "api_key", "apikey", "credential",
}

// Details marshals v to JSON, walks the decoded tree masking the values of
// sensitive keys and bounding string/array sizes, and returns the redacted JSON. A
// value that fails to marshal is reported as a redaction error string
// rather than propagating the error, since this path must never block a
// log write.
func Details(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"redaction_error":%q}`, err.Error()))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return json.RawMessage(fmt.Sprintf(`{"redaction_error":%q}`, err.Error()))
	}

	cleaned := walk(decoded)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"redaction_error":%q}`, err.Error()))
	}
	return out
}

func walk(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if isSensitiveKey(k) {
				out[k] = "[redacted]"
				continue
			}
			out[k] = walk(val)
		}
		return out
	case []any:
		if len(x) > maxArrayLen {
			return fmt.Sprintf("[array of %d items truncated]", len(x))
		}
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = walk(item)
		}
		return out
	case string:
		if len(x) > maxStringLen {
			return x[:maxStringLen] + fmt.Sprintf("...[truncated %d bytes]", len(x)-maxStringLen)
		}
		return x
	default:
		return x
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
