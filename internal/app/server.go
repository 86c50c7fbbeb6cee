package app

import (
	"net/http"

	"github.com/thushan/olla/internal/app/middleware"
)

// routes builds the full mux and middleware chain. Grounded on the
// teacher's SecurityAdapters chain (logging -> access logging -> rate
// limiting/security -> handler), reapplied here with the proxy's own
// rate limiter and size limiter in the security slot.
func (a *Application) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", a.withChain(a.handleAnthropicMessages, false))
	mux.HandleFunc("POST /v1/chat/completions", a.withChain(a.handleOpenAIChatCompletions, false))

	mux.HandleFunc("GET /health", a.withChain(a.handleHealth, true))
	mux.HandleFunc("GET /health/deep", a.withChain(a.handleHealthDeep, true))
	mux.HandleFunc("GET /metrics", a.withChain(a.metrics.Handler().ServeHTTP, true))

	mux.HandleFunc("GET /history", a.withChain(a.handleHistory, true))
	mux.HandleFunc("GET /requests", a.withChain(a.handleRequestsList, true))
	mux.HandleFunc("GET /requests/search", a.withChain(a.handleRequestsSearch, true))
	mux.HandleFunc("GET /requests/{id}", a.withChain(a.handleRequestByID, true))
	mux.HandleFunc("GET /requests/{id}/payload", a.withChain(a.handleRequestPayload, true))
	mux.HandleFunc("GET /predictions", a.withChain(a.handlePredictions, true))

	return mux
}

// withChain wraps handler with the same logging/rate-limit/size-limit chain
// for every route, isHealthEndpoint selecting the more generous rate limit
// bucket health/diagnostics traffic gets (§6 rate_limits.health_requests_per_minute).
func (a *Application) withChain(handler http.HandlerFunc, isHealthEndpoint bool) http.HandlerFunc {
	chained := http.Handler(handler)
	chained = a.sizeLimit.Middleware(chained)
	chained = a.rateLimit.Middleware(isHealthEndpoint)(chained)
	chained = middleware.AccessLoggingMiddleware(a.logger)(chained)
	chained = middleware.EnhancedLoggingMiddleware(a.logger)(chained)
	return chained.ServeHTTP
}
