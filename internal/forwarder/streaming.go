package forwarder

import "github.com/tidwall/gjson"

// IsStreamingRequest reports whether the client asked for a streaming
// response via the JSON body's "stream" field. Grounded on the teacher's
// content-type based AutoDetectStreamingMode, generalised here to a
// request-body check since this proxy's streaming decision is driven by the
// client's own "stream" flag rather than upstream content negotiation.
func IsStreamingRequest(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	return gjson.GetBytes(body, "stream").Bool()
}

// isStreamingContentType identifies event-stream style response
// content-types. Forward does not call it: every 2xx body is piped and
// flushed chunk by chunk whatever its content-type.
func isStreamingContentType(contentType string) bool {
	for _, st := range streamingTypes {
		if contentType == st || (len(contentType) >= len(st) && contentType[:len(st)] == st) {
			return true
		}
	}
	return false
}

var streamingTypes = []string{
	"text/event-stream",
	"application/x-ndjson",
	"application/stream+json",
}
