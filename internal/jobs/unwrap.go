package jobs

import (
	"encoding/json"
	"strings"
)

// UnwrapResult strips the SSE/HTTP envelope from a stored job result before
// it is surfaced to a polling client. A string payload beginning with
// "data:" has the remainder parsed as JSON; an object with a result or
// content member yields that inner value. Unwrapping an already-plain value
// is the identity, so the operation is idempotent.
func UnwrapResult(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if !strings.HasPrefix(trimmed, "data:") {
			return val
		}
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
		var parsed interface{}
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			return val
		}
		return unwrapObject(parsed)
	case map[string]interface{}:
		return unwrapObject(val)
	case json.RawMessage:
		var parsed interface{}
		if err := json.Unmarshal(val, &parsed); err != nil {
			return val
		}
		return UnwrapResult(parsed)
	default:
		return v
	}
}

func unwrapObject(v interface{}) interface{} {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	if inner, ok := obj["result"]; ok {
		return inner
	}
	if inner, ok := obj["content"]; ok {
		return inner
	}
	return obj
}
