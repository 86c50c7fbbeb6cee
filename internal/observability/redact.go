package observability

import (
	"encoding/json"
	"net/http"
	"strings"
)

// redactedValue replaces any sensitive field value before a payload is
// stored or emitted (§7 Redaction).
const redactedValue = "[REDACTED]"

// sensitiveKeyMarkers are matched case-insensitively and recursively over
// JSON objects and header maps (§7: "keys matching apiKey, api_key,
// accessToken, authorization, and similar"). Grounded on the teacher pack's
// audit.shouldRedactKey (cshaiku-goshi/internal/audit/args.go), narrowed to
// the markers this spec names plus their obvious variants.
var sensitiveKeyMarkers = []string{
	"apikey",
	"api_key",
	"accesstoken",
	"access_token",
	"authorization",
	"secret",
	"password",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// RedactJSON parses body as a JSON document and replaces every sensitive
// field's value with [REDACTED], recursing through nested objects and
// arrays. Bodies that fail to parse as JSON are returned unchanged, since
// redaction cannot make an opaque blob any safer or less safe.
func RedactJSON(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	redacted, err := json.Marshal(redactValue(doc))
	if err != nil {
		return body
	}
	return redacted
}

func redactValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, nested := range value {
			if isSensitiveKey(k) {
				out[k] = redactedValue
				continue
			}
			out[k] = redactValue(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, nested := range value {
			out[i] = redactValue(nested)
		}
		return out
	default:
		return value
	}
}

// RedactHeaders returns a copy of h with sensitive header values replaced
// (§7: "redaction operates recursively over JSON and over header maps").
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, values := range h {
		if isSensitiveKey(k) {
			out[k] = []string{redactedValue}
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out[k] = copied
	}
	return out
}
