// Package forwarder implements the Retry Engine & Streaming Forwarder (C7):
// the attempt loop that binds the Model Router, Key Manager, Circuit
// Breaker, AIMD Controller and Stream Parser together (§4.7). Grounded on
// the teacher's proxy/core.RetryHandler.ExecuteWithRetry (endpoint failover
// loop, generalised here to model+key failover) and sherpa.Service's
// streaming plumbing.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/thushan/olla/internal/aimd"
	"github.com/thushan/olla/internal/breaker"
	"github.com/thushan/olla/internal/classifier"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/keymanager"
	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/internal/observability"
	"github.com/thushan/olla/internal/router"
	"github.com/thushan/olla/internal/streamparse"
	"github.com/thushan/olla/internal/util"
)

// Config is the limits section of the global configuration (§6).
type Config struct {
	MaxRetries      int
	BaseBackoffMs   int64
	MaxBackoffMs    int64
	JitterRatio     float64
	MaxJitterMs     int64
	QueueMaxWaitMs  int64
	ReadTimeout     time.Duration
	RetryOn5xx      bool
	TailBufferBytes int
}

// TraceRecorder persists completed request traces for the observability
// surface (§6 GET /requests, /requests/{id}). Implemented at the app layer
// by a bounded ring buffer; the forwarder only needs to feed it.
type TraceRecorder interface {
	Record(trace *domain.RequestTrace)
}

// Forwarder orchestrates C1-C6 into the attempt loop of §4.7.
type Forwarder struct {
	Router  *router.Router
	Keys    *keymanager.Manager
	Breaker *breaker.Breaker
	AIMD    *aimd.Controller
	Parser  *streamparse.Parser
	Client  *http.Client
	BaseURL string
	Cfg     Config
	Log     *logger.StyledLogger
	Trace   TraceRecorder
	Metrics *observability.Metrics

	waiting atomic.Int64
}

var errNoKeyAvailable = errors.New("no eligible key for model")
var errBackpressure = errors.New("backpressure queue wait exceeded")

// Execute runs the attempt loop for a single client request (§4.7). path and
// method describe the upstream route being forwarded (e.g. POST
// /v1/messages); adminAuthOK gates honouring an x-model-override header.
func (f *Forwarder) Execute(ctx context.Context, w http.ResponseWriter, method, path string, body []byte, requestID string, overrideModel string, adminAuthOK bool) error {
	originalModel := gjson.GetBytes(body, "model").String()
	bodySize := len(body)
	maxTokens := int(gjson.GetBytes(body, "max_tokens").Int())
	hasTools := gjson.GetBytes(body, "tools").IsArray() && len(gjson.GetBytes(body, "tools").Array()) > 0
	streaming := IsStreamingRequest(body)

	trace := &domain.RequestTrace{
		StartedAt:     time.Now(),
		RequestID:     requestID,
		OriginalModel: originalModel,
	}

	attemptedModels := map[string]bool{}
	attemptedKeys := map[string]map[int]bool{}
	switches := 0

	maxAttempts := f.Cfg.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		decision := f.Router.SelectModel(router.Request{
			RequestModel:    originalModel,
			BodySize:        bodySize,
			MaxTokens:       maxTokens,
			Override:        overrideModel,
			AdminAuthOK:     adminAuthOK,
			AttemptedModels: attemptedModels,
			HasTools:        hasTools,
			SwitchesSoFar:   switches,
		})

		if decision != nil && decision.GenuineOverflow {
			trace.Status = "error"
			trace.RoutingDecision = decision.Reason
			f.recordTrace(trace)
			f.recordOverflow("genuine")
			return f.writeError(w, requestID, http.StatusBadRequest, "context_overflow", "genuine", errors.New("request exceeds every configured model's context window"))
		}

		if decision != nil && decision.TransientOverflow {
			trace.RoutingDecision = decision.Reason
			if decision.Model == "" {
				trace.Status = "error"
				f.recordTrace(trace)
				f.recordOverflow("transient")
				return f.writeError(w, requestID, http.StatusBadRequest, "context_overflow", "transient", errors.New("request exceeds every configured model's context window"))
			}
			wait := f.Router.CooldownRemaining(decision.Model)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				trace.Status = "error"
				f.recordTrace(trace)
				return ctx.Err()
			}
			continue
		}

		model := originalModel
		if decision != nil && decision.Model != "" {
			model = decision.Model
			trace.RoutingDecision = decision.Reason
		}
		trace.MappedModel = model

		if attemptedKeys[model] == nil {
			attemptedKeys[model] = map[int]bool{}
		}

		if !f.acquireSlotWithBackpressure(ctx, model) {
			trace.Status = "error"
			f.recordTrace(trace)
			return f.writeError(w, requestID, http.StatusServiceUnavailable, "backpressure", "", errBackpressure)
		}

		key := f.Keys.SelectKey(model, attemptedKeys[model])
		if key == nil {
			f.Keys.ReleaseModelSlot(model)
			attemptedModels[model] = true
			switches++
			if switches > f.Cfg.MaxRetries {
				trace.Status = "error"
				f.recordTrace(trace)
				return f.writeError(w, requestID, http.StatusServiceUnavailable, "no_key_available", "", errNoKeyAvailable)
			}
			continue
		}

		if !f.admitKey(key.Index, key.Provider) {
			f.Keys.ReleaseModelSlot(model)
			attemptedKeys[model][key.Index] = true
			continue
		}

		if !key.AcquireSlot(model) {
			f.Keys.ReleaseModelSlot(model)
			attemptedKeys[model][key.Index] = true
			continue
		}

		outcome := f.attemptOnce(ctx, w, method, path, body, model, key, streaming, trace)
		key.ReleaseSlot(model)
		f.Keys.ReleaseModelSlot(model)

		if outcome.terminal {
			if outcome.success {
				trace.Status = "success"
				f.recordTrace(trace)
				return nil
			}
			trace.Status = "error"
			f.recordTrace(trace)
			return outcome.err
		}

		if outcome.switchModel {
			attemptedModels[model] = true
			switches++
		} else {
			attemptedKeys[model][key.Index] = true
		}

		if outcome.backoff > 0 {
			f.recordBackoff(model, outcome.backoff)
			select {
			case <-time.After(outcome.backoff):
			case <-ctx.Done():
				trace.Status = "error"
				f.recordTrace(trace)
				return ctx.Err()
			}
		}
	}

	trace.Status = "error"
	f.recordTrace(trace)
	return f.writeError(w, requestID, http.StatusBadGateway, "max_retries_exceeded", "", fmt.Errorf("exhausted %d attempts", maxAttempts))
}

type attemptOutcome struct {
	terminal    bool
	success     bool
	switchModel bool
	backoff     time.Duration
	err         error
}

// attemptOnce performs one upstream dispatch and classifies the result
// (§4.7 steps 3-6).
func (f *Forwarder) attemptOnce(ctx context.Context, w http.ResponseWriter, method, path string, body []byte, model string, key *domain.Key, streaming bool, trace *domain.RequestTrace) attemptOutcome {
	rewritten := RewriteModelField(body, model)
	if streaming {
		rewritten = InjectStreamOptions(rewritten)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, method, util.JoinURLPath(f.BaseURL, path), bytes.NewReader(rewritten))
	if err != nil {
		return attemptOutcome{terminal: true, err: f.writeError(w, trace.RequestID, http.StatusInternalServerError, "internal_error", "", err)}
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Authorization", "Bearer "+key.Secret)
	upstreamReq.ContentLength = int64(len(rewritten))

	start := time.Now()
	resp, err := f.Client.Do(upstreamReq)
	attempt := domain.Attempt{At: start, Model: model, KeyIndex: key.Index}

	if err != nil {
		tag := classifier.Classify(err)
		attempt.ErrorTag = string(tag)
		attempt.LatencyMs = time.Since(start).Milliseconds()
		trace.Attempts = append(trace.Attempts, attempt)
		f.recordAttempt(model, "err", time.Since(start))
		return f.classifyTransportFailure(w, trace, model, key, tag, err)
	}
	defer resp.Body.Close()

	buf := NewRingBuffer(f.tailBufferSize())
	result, ferr := Forward(ctx, w, resp, buf, f.readTimeout(), f.Log)
	attempt.StatusCode = result.StatusCode
	attempt.LatencyMs = result.TotalLatency.Milliseconds()
	trace.Attempts = append(trace.Attempts, attempt)
	f.recordAttempt(model, statusClass(result.StatusCode), result.TotalLatency)

	if result.StatusCode >= 200 && result.StatusCode < 300 && ferr == nil {
		f.Breaker.OnSuccess(key.Index, key.Provider)
		f.AIMD.RecordSuccess(model)
		trace.TokenUsage = f.Parser.Parse([][]byte{result.Tail})
		return attemptOutcome{terminal: true, success: true}
	}

	if ferr != nil {
		tag := classifier.Classify(ferr)
		attempt.ErrorTag = string(tag)
		if result.ClientClosed {
			attempt.ErrorTag = string(classifier.TagStreamPrematureClose)
			return attemptOutcome{terminal: true, err: ferr}
		}
		return f.classifyTransportFailure(w, trace, model, key, tag, ferr)
	}

	return f.classifyHTTPFailure(w, trace, model, key, result)
}

func (f *Forwarder) classifyTransportFailure(w http.ResponseWriter, trace *domain.RequestTrace, model string, key *domain.Key, tag classifier.Tag, err error) attemptOutcome {
	f.Breaker.OnFailure(key.Index, key.Provider, tag)

	if tag.IsRetryableSameModel() {
		return attemptOutcome{backoff: f.backoffFor(len(trace.Attempts))}
	}
	if tag.IsFatal() {
		return attemptOutcome{switchModel: true}
	}
	return attemptOutcome{terminal: true, err: f.writeError(w, trace.RequestID, http.StatusBadGateway, string(tag), "", err)}
}

func (f *Forwarder) classifyHTTPFailure(w http.ResponseWriter, trace *domain.RequestTrace, model string, key *domain.Key, result *ForwardResult) attemptOutcome {
	f.Breaker.OnFailure(key.Index, key.Provider, classifier.TagOther)

	switch {
	case result.StatusCode == http.StatusTooManyRequests:
		quota := streamparse.HasQuotaSignal([]byte(result.ErrorBody))
		f.AIMD.RecordCongestion(model, domain.CongestionSignal{
			RetryAfterMs: result.RetryAfterMs,
			ErrorBody:    result.ErrorBody,
		})
		if quota {
			return attemptOutcome{switchModel: true}
		}
		backoff := f.backoffFor(len(trace.Attempts))
		if result.RetryAfterMs > 0 {
			retryAfter := time.Duration(result.RetryAfterMs) * time.Millisecond
			if retryAfter > backoff {
				backoff = retryAfter
			}
			if maxBackoff := time.Duration(f.Cfg.MaxBackoffMs) * time.Millisecond; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		return attemptOutcome{backoff: backoff}

	case result.StatusCode >= 500:
		if f.Cfg.RetryOn5xx {
			return attemptOutcome{backoff: f.backoffFor(len(trace.Attempts))}
		}
		return attemptOutcome{terminal: true, err: f.writeError(w, trace.RequestID, result.StatusCode, "upstream_error", "", fmt.Errorf("upstream status %d", result.StatusCode))}

	default:
		return attemptOutcome{terminal: true, err: f.writeError(w, trace.RequestID, result.StatusCode, "upstream_rejected", "", fmt.Errorf("upstream status %d", result.StatusCode))}
	}
}

// admitKey reports whether key may be dispatched to right now. A Closed key
// is always admitted; an Open key past its cooldown must win the single
// half-open probe slot via Breaker.AdmitProbe before it may be dispatched
// (§4.3: "Admission grants at most one concurrent probe" - the Open->HalfOpen
// transition only happens here, on the request that actually claims it).
func (f *Forwarder) admitKey(keyIndex int, provider string) bool {
	switch f.Breaker.State(keyIndex, provider) {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		return f.Breaker.AdmitProbe(keyIndex, provider)
	default: // HalfOpen: a probe is already in flight on this key
		return false
	}
}

// acquireSlotWithBackpressure polls for a free slot up to QueueMaxWaitMs
// (§5 Backpressure) before giving up.
func (f *Forwarder) acquireSlotWithBackpressure(ctx context.Context, model string) bool {
	if f.Keys.AcquireModelSlot(model) {
		return true
	}
	f.waiting.Add(1)
	defer f.waiting.Add(-1)

	deadline := time.Now().Add(time.Duration(f.Cfg.QueueMaxWaitMs) * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if f.Keys.AcquireModelSlot(model) {
				return true
			}
		}
	}
	return false
}

// Waiting reports how many requests are currently queued in backpressure
// (§5 Backpressure, §6 GET /health "backpressure").
func (f *Forwarder) Waiting() int64 {
	return f.waiting.Load()
}

// backoffFor implements the exponential-with-jitter schedule of §4.7:
// delay = min(maxBackoffMs, baseMs*2^attempt) * uniform(1-jitterRatio, 1),
// bounded additionally by maxJitterMs.
func (f *Forwarder) backoffFor(attempt int) time.Duration {
	base := float64(f.Cfg.BaseBackoffMs) * math.Pow(2, float64(attempt))
	if max := float64(f.Cfg.MaxBackoffMs); base > max {
		base = max
	}

	jitterFraction := 1.0
	if f.Cfg.JitterRatio > 0 {
		pseudoRandom := float64(time.Now().UnixNano()%1000) / 1000.0
		jitterFraction = 1 - f.Cfg.JitterRatio*(1-pseudoRandom)
	}
	delayMs := base * jitterFraction

	if f.Cfg.MaxJitterMs > 0 {
		jitterMs := base - delayMs
		if jitterMs > float64(f.Cfg.MaxJitterMs) {
			delayMs = base - float64(f.Cfg.MaxJitterMs)
		}
	}

	return time.Duration(delayMs) * time.Millisecond
}

func (f *Forwarder) tailBufferSize() int {
	if f.Cfg.TailBufferBytes > 0 {
		return f.Cfg.TailBufferBytes
	}
	return 8192
}

func (f *Forwarder) readTimeout() time.Duration {
	if f.Cfg.ReadTimeout > 0 {
		return f.Cfg.ReadTimeout
	}
	return 30 * time.Second
}

func (f *Forwarder) recordTrace(trace *domain.RequestTrace) {
	trace.LatencyMs = time.Since(trace.StartedAt).Milliseconds()
	if f.Trace != nil {
		f.Trace.Record(trace)
	}
	if f.Metrics != nil {
		f.Metrics.RecordRequest(trace.Status)
	}
}

func (f *Forwarder) recordOverflow(cause string) {
	if f.Metrics != nil {
		f.Metrics.RecordOverflow(cause)
	}
}

func (f *Forwarder) recordAttempt(model, class string, latency time.Duration) {
	if f.Metrics != nil {
		f.Metrics.RecordAttempt(model, class, latency)
	}
}

func (f *Forwarder) recordBackoff(model string, d time.Duration) {
	if f.Metrics != nil {
		f.Metrics.RecordBackoff(model, d)
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200 && code < 300:
		return "2xx"
	default:
		return "other"
	}
}

// errorEnvelope is the Anthropic-style error body used on terminal failure
// (§4.7 Headers emitted on error envelopes).
type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (f *Forwarder) writeError(w http.ResponseWriter, requestID string, status int, code, overflowCause string, cause error) error {
	w.Header().Set("X-Proxy-Error", code)
	if overflowCause != "" {
		w.Header().Set("X-Proxy-Overflow-Cause", overflowCause)
	}
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	body, _ := json.Marshal(errorEnvelope{
		Type: "error",
		Error: errorDetail{
			Type:    code,
			Message: msg,
		},
	})
	_, _ = w.Write(body)

	if cause != nil {
		return fmt.Errorf("%s: %w", code, cause)
	}
	return errors.New(code)
}

var _ io.Writer = (*RingBuffer)(nil)
