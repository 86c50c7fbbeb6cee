package constants

const (
	DefaultContentTypeJSON = "application/json"
	ContentTypeJSON        = "application/json"
	ContentTypeText        = "text/plain"
	ContentTypeHeader      = "Content-Type"

	HeaderContentType = "Content-Type"
	HeaderAccept      = "Accept"
	HeaderXRequestID  = "X-Request-Id"

	// DefaultOllaProxyPathPrefix matches the client-facing forwarded routes
	// (§6): POST /v1/messages and POST /v1/chat/completions.
	DefaultOllaProxyPathPrefix = "/v1/"
)
