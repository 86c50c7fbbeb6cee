package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thushan/olla/internal/aimd"
	"github.com/thushan/olla/internal/breaker"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/keymanager"
	"github.com/thushan/olla/internal/router"
	"github.com/thushan/olla/internal/streamparse"
)

type fixedStatics map[string]int

func (f fixedStatics) StaticLimit(model string) (int, bool) {
	v, ok := f[model]
	return v, ok
}

type noopSink struct{}

func (noopSink) SetEffectiveModelLimit(string, int) {}

func newForwarder(t *testing.T, upstream string, r *router.Router) *Forwarder {
	t.Helper()
	keys := []*domain.Key{domain.NewKey(0, "sk-test", "anthropic", map[string]int{"glm-5": 10})}
	limits := aimd.New(aimd.Config{Mode: aimd.ModeObserveOnly, MinWindow: 1}, fixedStatics{"glm-5": 10}, noopSink{})
	br := breaker.New(3, time.Minute)
	km := keymanager.New(keys, limits, br)

	if r == nil {
		r = router.New(router.Config{Enabled: false}, km)
	}

	return &Forwarder{
		Router:  r,
		Keys:    km,
		Breaker: br,
		AIMD:    limits,
		Parser:  streamparse.New(),
		Client:  &http.Client{},
		BaseURL: upstream,
		Cfg: Config{
			MaxRetries:     2,
			BaseBackoffMs:  1,
			MaxBackoffMs:   10,
			JitterRatio:    0,
			QueueMaxWaitMs: 50,
			ReadTimeout:    time.Second,
		},
		Log: testLogger(),
	}
}

func TestForwarder_Execute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":5,"output_tokens":9}}`))
	}))
	defer srv.Close()

	f := newForwarder(t, srv.URL, nil)
	w := httptest.NewRecorder()

	err := f.Execute(context.Background(), w, http.MethodPost, "/v1/messages", []byte(`{"model":"glm-5","messages":[]}`), "req-1", "", false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestForwarder_Execute_NonRetryable4xxReturnsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	f := newForwarder(t, srv.URL, nil)
	w := httptest.NewRecorder()

	err := f.Execute(context.Background(), w, http.MethodPost, "/v1/messages", []byte(`{"model":"glm-5","messages":[]}`), "req-2", "", false)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if w.Header().Get("X-Proxy-Error") == "" {
		t.Fatal("expected X-Proxy-Error header on terminal failure")
	}
	if w.Header().Get("X-Request-Id") != "req-2" {
		t.Fatalf("expected X-Request-Id echoed, got %q", w.Header().Get("X-Request-Id"))
	}
}

func TestForwarder_Execute_RetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	f := newForwarder(t, srv.URL, nil)
	f.Cfg.RetryOn5xx = true
	// A key that failed is not selected again within the same request, so the
	// retry needs a second key to land on.
	f.Keys = keymanager.New([]*domain.Key{
		domain.NewKey(0, "sk-test", "anthropic", map[string]int{"glm-5": 10}),
		domain.NewKey(1, "sk-test-2", "anthropic", map[string]int{"glm-5": 10}),
	}, f.AIMD, f.Breaker)
	w := httptest.NewRecorder()

	err := f.Execute(context.Background(), w, http.MethodPost, "/v1/messages", []byte(`{"model":"glm-5","messages":[]}`), "req-3", "", false)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 upstream calls, got %d", calls)
	}
}

func TestForwarder_Execute_GenuineOverflowShortCircuits(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := router.Config{
		Enabled: true,
		Tiers: map[string]domain.Tier{
			"default": {Name: "default", Models: []string{"glm-5"}, ContextLength: map[string]int{"glm-5": 100}},
		},
		Rules: []domain.Rule{{ModelGlob: "*", Tier: "default"}},
	}
	r := router.New(cfg, nil)
	f := newForwarder(t, srv.URL, r)
	w := httptest.NewRecorder()

	bigBody := []byte(`{"model":"glm-5","messages":[],"max_tokens":100000}`)
	err := f.Execute(context.Background(), w, http.MethodPost, "/v1/messages", bigBody, "req-4", "", false)
	if err == nil {
		t.Fatal("expected genuine overflow error")
	}
	if calls != 0 {
		t.Fatalf("expected no upstream calls on genuine overflow, got %d", calls)
	}
	if !strings.Contains(w.Header().Get("X-Proxy-Error"), "context_overflow") {
		t.Fatalf("expected context_overflow error code, got %q", w.Header().Get("X-Proxy-Error"))
	}
}
