// Package app wires the seven components (C1-C7) into a running process:
// configuration load, key pool construction, the AIMD controller, circuit
// breaker, model router and retry forwarder, fronted by an HTTP server.
// Grounded on the teacher's internal/app/app.go Application/New/Start/Stop
// shape, generalised from its discovery-service lifecycle to the proxy's
// adaptive-concurrency-controller lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thushan/olla/internal/aimd"
	"github.com/thushan/olla/internal/breaker"
	"github.com/thushan/olla/internal/config"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/forwarder"
	"github.com/thushan/olla/internal/keymanager"
	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/internal/observability"
	"github.com/thushan/olla/internal/router"
	"github.com/thushan/olla/internal/streamparse"
)

// Application holds every long-lived dependency the HTTP surface needs.
type Application struct {
	config    *config.Config
	logger    *logger.StyledLogger
	server    *http.Server
	aimd      *aimd.Controller
	forwarder *forwarder.Forwarder
	traces    *observability.TraceStore
	payloads  *observability.PayloadCache
	metrics   *observability.Metrics
	rateLimit *RateLimiter
	sizeLimit *RequestSizeLimiter
	startTime time.Time
	errCh     chan error
}

// New loads configuration and constructs the full dependency graph, matching
// what main.go expects to call.
func New(startTime time.Time, styledLogger *logger.StyledLogger) (*Application, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	keys := buildKeys(cfg.Keys)
	if len(keys) == 0 {
		styledLogger.Warn("No upstream keys configured; every request will fail key selection")
	}

	statics := aggregateStaticLimitsFrom(keys)
	br := breaker.New(cfg.Circuit.FailureThreshold, time.Duration(cfg.Circuit.OpenDurationMs)*time.Millisecond)

	// The controller is its own LimitSource (keymanager.LimitSource is
	// satisfied by aimd.Controller.EffectiveLimit); sink is a secondary
	// notification hook the spec assigns for observability and is unused
	// until an external consumer needs enforced-limit change events.
	aimdCtrl := aimd.New(buildAIMDConfig(cfg.Adaptive), statics, noopWriteBack{})
	km := keymanager.New(keys, aimdCtrl, br)

	rt := router.New(buildRouterConfig(cfg.ModelRouting), km)

	traces := observability.NewTraceStore(cfg.Observability.TraceCapacity)
	payloads := observability.NewPayloadCache(cfg.Observability.PayloadCacheCapacity)
	metrics := observability.NewMetrics()

	fwd := &forwarder.Forwarder{
		Router:  rt,
		Keys:    km,
		Breaker: br,
		AIMD:    aimdCtrl,
		Parser:  streamparse.New(),
		Client: &http.Client{
			Timeout: 0, // streaming responses must not be cut by a client-wide deadline
		},
		BaseURL: cfg.Keys.BaseURL,
		Cfg: forwarder.Config{
			MaxRetries:      cfg.Limits.MaxRetries,
			BaseBackoffMs:   cfg.Limits.BaseBackoffMs,
			MaxBackoffMs:    cfg.Limits.MaxBackoffMs,
			JitterRatio:     cfg.Limits.JitterRatio,
			MaxJitterMs:     cfg.Limits.MaxJitterMs,
			QueueMaxWaitMs:  cfg.Limits.QueueMaxWaitMs,
			ReadTimeout:     cfg.Server.ReadTimeout,
			RetryOn5xx:      true,
			TailBufferBytes: 8192,
		},
		Log:     styledLogger,
		Trace:   traces,
		Metrics: metrics,
	}

	rateLimiter := NewRateLimiter(cfg.Server.RateLimits, styledLogger)
	sizeLimiter := NewRequestSizeLimiter(cfg.Server.RequestLimits, styledLogger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a := &Application{
		config:    cfg,
		logger:    styledLogger,
		server:    httpServer,
		aimd:      aimdCtrl,
		forwarder: fwd,
		traces:    traces,
		payloads:  payloads,
		metrics:   metrics,
		rateLimit: rateLimiter,
		sizeLimit: sizeLimiter,
		startTime: startTime,
		errCh:     make(chan error, 1),
	}
	httpServer.Handler = a.routes()
	return a, nil
}

// Start schedules the AIMD tick loop and begins serving HTTP (§4.5
// Lifecycle, teacher's startWebServer pattern).
func (a *Application) Start(ctx context.Context) error {
	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("Server startup error", "error", err)
		case <-ctx.Done():
			return
		}
	}()

	a.aimd.Start()

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("Olla proxy started", "bind", a.server.Addr)
	return nil
}

// Stop drains the HTTP server and halts the AIMD tick loop. In enforce mode
// stopping the controller restores every model's static limit.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	a.aimd.Stop()
	a.rateLimit.Stop()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

func buildKeys(cfg config.KeysConfig) []*domain.Key {
	keys := make([]*domain.Key, 0, len(cfg.Keys))
	for i, entry := range cfg.Keys {
		provider := entry.Provider
		if provider == "" {
			provider = "anthropic"
		}
		keys = append(keys, domain.NewKey(i, entry.Secret, provider, entry.StaticLimit))
	}
	return keys
}

// aggregateStaticLimits derives each model's AIMD staticMax by summing the
// per-key ceilings configured for it (§3 Model Window: "staticMax
// (configured baseline)"), since the controller tracks one window per model
// across the whole key pool rather than one per key.
type aggregateStaticLimits map[string]int

func (a aggregateStaticLimits) StaticLimit(model string) (int, bool) {
	v, ok := a[model]
	return v, ok
}

func aggregateStaticLimitsFrom(keys []*domain.Key) aggregateStaticLimits {
	out := aggregateStaticLimits{}
	for _, k := range keys {
		for model, limit := range k.StaticLimit {
			out[model] += limit
		}
	}
	return out
}
