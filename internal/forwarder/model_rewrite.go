package forwarder

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// modelFieldPattern matches the top-level "model" key and its string value in
// JSON. It captures everything up to and including the "model" key, then the
// quoted string value, so only the value is replaced while the surrounding
// formatting, whitespace and key ordering are preserved.
var modelFieldPattern = regexp.MustCompile(`("model"\s*:\s*)"((?:[^"\\]|\\.)*)"`)

// streamOptionsPattern matches a top-level "stream_options" key so
// injectStreamOptions can tell whether one is already present.
var streamOptionsPattern = regexp.MustCompile(`"stream_options"\s*:`)

// RewriteModelField rewrites the top-level "model" field of a JSON request
// body to mappedModel, preserving formatting byte-for-byte everywhere else
// (§4.7 step 3). No-op when the body isn't a JSON object or carries no
// top-level "model" field.
func RewriteModelField(body []byte, mappedModel string) []byte {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	if _, hasModel := parsed["model"]; !hasModel {
		return body
	}

	escaped := jsonEscapeString(mappedModel)

	replaced := false
	return modelFieldPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		if replaced {
			return match
		}
		replaced = true

		submatches := modelFieldPattern.FindSubmatch(match)
		if len(submatches) < 3 {
			return match
		}

		var buf bytes.Buffer
		buf.Write(submatches[1])
		buf.WriteByte('"')
		buf.WriteString(escaped)
		buf.WriteByte('"')
		return buf.Bytes()
	})
}

// InjectStreamOptions adds `"stream_options":{"include_usage":true}` to a
// streaming request body unless one is already present (§4.7 step 3), so the
// Stream Parser can rely on a trailing usage chunk from providers that honour
// the option.
func InjectStreamOptions(body []byte) []byte {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	if streamOptionsPattern.Match(body) {
		return body
	}
	if _, hasStream := parsed["stream"]; !hasStream {
		return body
	}

	parsed["stream_options"] = json.RawMessage(`{"include_usage":true}`)
	rewritten, err := json.Marshal(parsed)
	if err != nil {
		return body
	}
	return rewritten
}

// jsonEscapeString escapes a string for safe inclusion as a JSON string value
// (without the surrounding quotes).
func jsonEscapeString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(b[1 : len(b)-1])
}
