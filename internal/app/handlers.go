package app

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thushan/olla/internal/core/constants"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/observability"
	"github.com/thushan/olla/internal/util"
)

// handleAnthropicMessages forwards POST /v1/messages (§6 client surface).
func (a *Application) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r, "/v1/messages")
}

// handleOpenAIChatCompletions forwards POST /v1/chat/completions (§6 client surface).
func (a *Application) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	a.forward(w, r, "/v1/chat/completions")
}

func (a *Application) forward(w http.ResponseWriter, r *http.Request, path string) {
	requestID := r.Header.Get(constants.HeaderXRequestID)
	if requestID == "" {
		requestID = util.GenerateRequestID()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeAPIError(w, requestID, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if !json.Valid(body) {
		a.cachePayload(requestID, body)
		a.writeAPIError(w, requestID, http.StatusBadRequest, "bad_request", "request body is not valid JSON")
		return
	}

	overrideModel := ""
	adminAuthOK := a.config.Server.AdminToken == ""
	if override := r.Header.Get("x-model-override"); override != "" {
		if a.config.Server.AdminToken != "" {
			adminAuthOK = r.Header.Get("x-admin-token") == a.config.Server.AdminToken
		}
		if adminAuthOK {
			overrideModel = override
		} else {
			a.logger.Warn("Rejected x-model-override: admin auth failed", "request_id", requestID, "remote_addr", r.RemoteAddr)
			a.writeAPIError(w, requestID, http.StatusUnauthorized, "unauthorized", "admin auth required for x-model-override")
			return
		}
	}

	if err := a.forwarder.Execute(r.Context(), w, http.MethodPost, path, body, requestID, overrideModel, adminAuthOK); err != nil {
		a.cachePayload(requestID, body)
	}
}

// cachePayload stores a redacted copy of a failed/oversized request body
// (§3 Payload Cache), honouring observability.redactBodies.
func (a *Application) cachePayload(requestID string, body []byte) {
	if !a.config.Observability.RedactBodies {
		a.payloads.Put(requestID, body)
		return
	}
	a.payloads.Put(requestID, observability.RedactJSON(body))
}

func (a *Application) writeAPIError(w http.ResponseWriter, requestID string, status int, code, message string) {
	w.Header().Set("X-Proxy-Error", code)
	w.Header().Set(constants.HeaderXRequestID, requestID)
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    code,
			"message": message,
		},
	})
}

// handleHealth reports liveness against the key pool's circuit health (§6
// GET /health): OK when every configured key is available, DEGRADED when
// some but not all are, and a 503 the moment none are.
func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, total := a.forwarder.Keys.HealthySummary()

	status := "OK"
	code := http.StatusOK
	if healthy < total {
		status = "DEGRADED"
	}
	if healthy == 0 {
		status = "DEGRADED"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"healthyKeys": healthy,
		"totalKeys":   total,
		"uptime":      time.Since(a.startTime).String(),
		"backpressure": map[string]any{
			"waiting": a.forwarder.Waiting(),
		},
	})
}

// handleHealthDeep reports per-key selection/fairness stats, the identities
// the circuit breaker currently tracks, and model window summaries (§6 GET
// /health/deep). Per-key circuit state is not included, and the status is
// always "healthy" with a 200.
func (a *Application) handleHealthDeep(w http.ResponseWriter, r *http.Request) {
	keyStats := a.forwarder.Keys.GetAggregatedStats()
	keys := make([]map[string]any, 0, len(keyStats))
	for _, ks := range keyStats {
		keys = append(keys, map[string]any{
			"index":          ks.Index,
			"prefix":         ks.Prefix,
			"selectionCount": ks.SelectionCount,
			"fairnessScore":  ks.FairnessScore,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"uptime":       time.Since(a.startTime).String(),
		"keys":         keys,
		"activeCircuits": a.forwarder.Breaker.ActiveKeys(),
		"modelWindows": snapshotWindows(a.forwarder.AIMD.Snapshot()),
	})
}

// handlePredictions summarises per-model AIMD state alongside circuit
// health, a forward-looking view of which keys/models are likely to admit
// traffic (§6 GET /predictions).
func (a *Application) handlePredictions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"generatedAt": time.Now().Format(time.RFC3339),
		"models":      snapshotWindows(a.forwarder.AIMD.Snapshot()),
		"circuits":    a.forwarder.Breaker.ActiveKeys(),
	})
}

func snapshotWindows(windows []domain.ModelWindow) []map[string]any {
	out := make([]map[string]any, 0, len(windows))
	for _, w := range windows {
		out = append(out, map[string]any{
			"model":                 w.Model,
			"staticMax":             w.StaticMax,
			"effectiveMax":          w.EffectiveMax,
			"floor":                 w.Floor,
			"congestionCount":       w.CongestionCount,
			"successCount":          w.SuccessCount,
			"quotaHitCount":         w.QuotaHitCount,
			"unknownHitCount":       w.UnknownHitCount,
			"consecutiveCleanTicks": w.ConsecutiveCleanTicks,
			"adjustmentsDown":       w.AdjustmentsDown,
			"adjustmentsUp":         w.AdjustmentsUp,
			"lastAdjustReason":      w.LastAdjustReason,
		})
	}
	return out
}

// handleHistory reports every trace started within the last ?minutes=
// (default 60) window (§6 GET /history?minutes=).
func (a *Application) handleHistory(w http.ResponseWriter, r *http.Request) {
	minutes := 60
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			minutes = v
		}
	}
	traces := a.traces.Since(time.Duration(minutes) * time.Minute)
	writeJSON(w, http.StatusOK, map[string]any{
		"minutes":  minutes,
		"count":    len(traces),
		"requests": traceSummaries(traces),
	})
}

// handleRequestsList reports a page of recent traces (§6 GET /requests?limit&offset).
func (a *Application) handleRequestsList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	traces := a.traces.List(limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"limit":    limit,
		"offset":   offset,
		"count":    len(traces),
		"requests": traceSummaries(traces),
	})
}

// handleRequestsSearch filters recent traces by model and/or status (§6 GET
// /requests/search).
func (a *Application) handleRequestsSearch(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	status := r.URL.Query().Get("status")

	traces := a.traces.Search(func(t *domain.RequestTrace) bool {
		if model != "" && t.MappedModel != model && t.OriginalModel != model {
			return false
		}
		if status != "" && !strings.EqualFold(t.Status, status) {
			return false
		}
		return true
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(traces),
		"requests": traceSummaries(traces),
	})
}

// handleRequestByID reports one trace in full (§6 GET /requests/{id}).
func (a *Application) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trace, ok := a.traces.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, traceDetail(trace))
}

// handleRequestPayload reports the redacted originating payload for a failed
// or oversized request (§6 GET /requests/{id}/payload, §7 Redaction).
func (a *Application) handleRequestPayload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := a.payloads.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Body)
}

func traceSummaries(traces []*domain.RequestTrace) []map[string]any {
	out := make([]map[string]any, 0, len(traces))
	for _, t := range traces {
		out = append(out, map[string]any{
			"requestId":     t.RequestID,
			"status":        t.Status,
			"originalModel": t.OriginalModel,
			"mappedModel":   t.MappedModel,
			"latencyMs":     t.LatencyMs,
			"startedAt":     t.StartedAt.Format(time.RFC3339),
			"attempts":      len(t.Attempts),
		})
	}
	return out
}

func traceDetail(t *domain.RequestTrace) map[string]any {
	attempts := make([]map[string]any, 0, len(t.Attempts))
	for _, at := range t.Attempts {
		attempts = append(attempts, map[string]any{
			"at":         at.At.Format(time.RFC3339),
			"model":      at.Model,
			"keyIndex":   at.KeyIndex,
			"statusCode": at.StatusCode,
			"latencyMs":  at.LatencyMs,
			"errorTag":   at.ErrorTag,
		})
	}
	detail := map[string]any{
		"requestId":       t.RequestID,
		"traceId":         t.TraceID,
		"status":          t.Status,
		"routingDecision": t.RoutingDecision,
		"originalModel":   t.OriginalModel,
		"mappedModel":     t.MappedModel,
		"keyIndex":        t.KeyIndex,
		"latencyMs":       t.LatencyMs,
		"startedAt":       t.StartedAt.Format(time.RFC3339),
		"attempts":        attempts,
	}
	if t.TokenUsage != nil {
		detail["tokenUsage"] = map[string]any{
			"inputTokens":  t.TokenUsage.InputTokens,
			"outputTokens": t.TokenUsage.OutputTokens,
		}
	}
	return detail
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
