// Package aimd implements the Adaptive Concurrency Controller (C5): a
// TCP-inspired AIMD feedback loop that shrinks and grows per-model
// concurrency windows from upstream 429 signals. Grounded on the teacher's
// lock-free map idiom (internal/core/domain.RequestProfile's use of
// puzpuzpuz/xsync.Map for a read-hot, write-slow keyed store) applied here
// to the model->window table the spec calls for (§9: "a per-model mutex or
// a copy-on-write snapshot suffices" - xsync.Map gives both without manual
// locking).
package aimd

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/streamparse"
)

// Mode selects whether tick results are written back to the key manager.
type Mode string

const (
	ModeObserveOnly Mode = "observe_only"
	ModeEnforce     Mode = "enforce"
)

// ParseMode coerces an invalid/unknown mode string to ModeObserveOnly, the
// documented safe default (§9 Design Notes / Configuration).
func ParseMode(s string) Mode {
	if Mode(s) == ModeEnforce {
		return ModeEnforce
	}
	return ModeObserveOnly
}

// GrowthMode selects the additive-increase schedule (§4.5 step 3).
type GrowthMode string

const (
	GrowthFixedTicks  GrowthMode = "fixed_ticks"
	GrowthProportional GrowthMode = "proportional"
)

// Config is the adaptive section of the global configuration (§6).
type Config struct {
	Mode                     Mode
	TickInterval             time.Duration
	DecreaseFactor           float64
	RecoveryDelay            time.Duration
	MinWindow                int
	GrowthMode               GrowthMode
	GrowthCleanTicks         int
	MinHold                  time.Duration
	IdleTimeout              time.Duration
	IdleDecayStep            int
	QuotaRetryAfter          time.Duration
	TreatUnknownAsCongestion bool
	GlobalMaxConcurrency     int
}

// StaticLimitSource provides the configured baseline ceiling for a model.
// ok=false means the model is unknown and has no window (§3).
type StaticLimitSource interface {
	StaticLimit(model string) (limit int, ok bool)
}

// WriteBack is implemented by the key manager to receive enforced limit
// changes (§4.4 setEffectiveModelLimit).
type WriteBack interface {
	SetEffectiveModelLimit(model string, limit int)
}

// Controller owns the model->window table and the periodic tick.
type Controller struct {
	cfg     Config
	windows *xsync.Map[string, *window]
	statics StaticLimitSource
	sink    WriteBack

	stopCh  chan struct{}
	started bool
	mu      sync.Mutex // guards start/stop lifecycle only
}

type window struct {
	mu sync.Mutex
	w  domain.ModelWindow
}

// New builds a Controller. Invalid/empty mode already coerced by the caller
// via ParseMode.
func New(cfg Config, statics StaticLimitSource, sink WriteBack) *Controller {
	return &Controller{
		cfg:     cfg,
		windows: xsync.NewMap[string, *window](),
		statics: statics,
		sink:    sink,
	}
}

func (c *Controller) windowFor(model string) *window {
	if w, ok := c.windows.Load(model); ok {
		return w
	}
	static, ok := c.statics.StaticLimit(model)
	if !ok {
		return nil // unknown model: no window is ever created (§3)
	}
	floor := c.cfg.MinWindow
	if floor <= 0 {
		floor = 1
	}
	if floor > static {
		floor = static
	}
	w := &window{w: domain.ModelWindow{
		Model:        model,
		StaticMax:    static,
		EffectiveMax: static,
		Floor:        floor,
	}}
	actual, _ := c.windows.LoadOrStore(model, w)
	return actual
}

// EffectiveLimit implements keymanager.LimitSource.
func (c *Controller) EffectiveLimit(model string) (int, bool) {
	w := c.windowFor(model)
	if w == nil {
		return 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.EffectiveMax, true
}

// StaticLimit implements the same lookup for the static ceiling, used by
// the router's context-fit checks and observability.
func (c *Controller) StaticLimit(model string) (int, bool) {
	return c.statics.StaticLimit(model)
}

// RecordSuccess increments the window's clean-traffic signal. A no-op for
// unknown models (§8: "Unknown-model recordCongestion/recordSuccess is a
// no-op (no window created)").
func (c *Controller) RecordSuccess(model string) {
	w := c.windowFor(model)
	if w == nil {
		return
	}
	now := time.Now()
	w.mu.Lock()
	w.w.SuccessCount++
	w.w.LastTrafficAt = now
	w.mu.Unlock()
}

// RecordCongestion feeds a 429/5xx signal into the window's accumulators and
// classifies it per §4.5's quota/unknown/congestion rules.
func (c *Controller) RecordCongestion(model string, sig domain.CongestionSignal) {
	w := c.windowFor(model)
	if w == nil {
		return
	}
	now := time.Now()
	isQuota := sig.RetryAfterMs > c.cfg.QuotaRetryAfter.Milliseconds() ||
		sig.ErrorCode == "quota_exceeded" ||
		streamparse.HasQuotaSignal([]byte(sig.ErrorBody))
	isUnknown := sig.RetryAfterMs == 0 && sig.ErrorCode == ""

	w.mu.Lock()
	w.w.CongestionCount++
	w.w.LastCongestionAt = now
	w.w.LastTrafficAt = now
	if isQuota {
		w.w.QuotaHitCount++
	}
	if isUnknown && !isQuota {
		w.w.UnknownHitCount++
	}
	w.mu.Unlock()
}

// Start schedules the periodic tick. Idempotent (§4.5 Lifecycle).
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})

	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	go func(stop chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Tick(time.Now())
			}
		}
	}(c.stopCh)
}

// Stop cancels the tick and, in enforce mode, restores static limits.
// Double-stop is a no-op (§4.5 Lifecycle).
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.stopCh)

	if c.cfg.Mode == ModeEnforce {
		c.restoreStaticLimits()
	}
}

func (c *Controller) restoreStaticLimits() {
	c.windows.Range(func(model string, w *window) bool {
		w.mu.Lock()
		w.w.EffectiveMax = w.w.StaticMax
		w.mu.Unlock()
		c.sink.SetEffectiveModelLimit(model, w.w.StaticMax)
		return true
	})
}

// Tick runs one pass over every known window (§4.5). Exported so tests and
// an explicit "tick now" admin hook can drive it deterministically.
func (c *Controller) Tick(now time.Time) {
	c.windows.Range(func(model string, w *window) bool {
		c.tickWindow(model, w, now)
		return true
	})
	c.enforceGlobalCeiling()
}

func (c *Controller) tickWindow(model string, w *window, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.w.LastAdjustAt.IsZero() && now.Sub(w.w.LastAdjustAt) < c.cfg.MinHold {
		return // anti-flap gate: retain signals, don't reset accumulators
	}

	switch {
	case w.w.CongestionCount > 0:
		c.congestionBranch(model, w, now)
	case w.w.SuccessCount > 0 && now.Sub(w.w.LastCongestionAt) > c.cfg.RecoveryDelay:
		c.growthBranch(model, w, now)
	case w.w.SuccessCount == 0 && w.w.CongestionCount == 0:
		c.idleBranch(model, w, now)
	}

	w.w.CongestionCount = 0
	w.w.SuccessCount = 0
	w.w.QuotaHitCount = 0
	w.w.UnknownHitCount = 0
}

func (c *Controller) congestionBranch(model string, w *window, now time.Time) {
	switch {
	case w.w.QuotaHitCount > 0:
		w.w.LastAdjustReason = "quota_skip"
	case w.w.UnknownHitCount == w.w.CongestionCount && !c.cfg.TreatUnknownAsCongestion:
		w.w.LastAdjustReason = "unknown_skip"
	default:
		newMax := int(float64(w.w.EffectiveMax) * c.cfg.DecreaseFactor)
		if newMax < w.w.Floor {
			newMax = w.w.Floor
		}
		if newMax != w.w.EffectiveMax {
			w.w.EffectiveMax = newMax
			w.w.AdjustmentsDown++
			w.w.LastAdjustAt = now
			w.w.ConsecutiveCleanTicks = 0
			w.w.LastAdjustReason = "congestion"
			if c.cfg.Mode == ModeEnforce {
				c.sink.SetEffectiveModelLimit(model, newMax)
			}
		}
	}
}

func (c *Controller) growthBranch(model string, w *window, now time.Time) {
	w.w.ConsecutiveCleanTicks++

	var step int
	grow := false
	switch c.cfg.GrowthMode {
	case GrowthProportional:
		step = int(ceilDiv(w.w.StaticMax, 10))
		if step < 1 {
			step = 1
		}
		grow = true
	default: // fixed_ticks
		step = 1
		grow = w.w.ConsecutiveCleanTicks >= c.cfg.GrowthCleanTicks
	}

	if !grow {
		return
	}

	newMax := w.w.EffectiveMax + step
	if newMax > w.w.StaticMax {
		newMax = w.w.StaticMax
	}
	if newMax != w.w.EffectiveMax {
		w.w.EffectiveMax = newMax
		w.w.AdjustmentsUp++
		w.w.LastAdjustAt = now
		w.w.ConsecutiveCleanTicks = 0 // preserved open question (§9): resets on every additive increase
		w.w.LastAdjustReason = "growth"
		if c.cfg.Mode == ModeEnforce {
			c.sink.SetEffectiveModelLimit(model, newMax)
		}
	}
}

func (c *Controller) idleBranch(model string, w *window, now time.Time) {
	if now.Sub(w.w.LastTrafficAt) <= c.cfg.IdleTimeout {
		return
	}
	if w.w.EffectiveMax >= w.w.StaticMax {
		return
	}
	newMax := w.w.EffectiveMax + c.cfg.IdleDecayStep
	if newMax > w.w.StaticMax {
		newMax = w.w.StaticMax
	}
	if newMax != w.w.EffectiveMax {
		w.w.EffectiveMax = newMax
		w.w.LastAdjustReason = "idle_drift"
		if c.cfg.Mode == ModeEnforce {
			c.sink.SetEffectiveModelLimit(model, newMax)
		}
	}
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// enforceGlobalCeiling implements the Global Account Window (§3, §4.5): if
// the sum of effective limits exceeds GlobalMaxConcurrency, every window is
// scaled down proportionally and clamped to its floor.
func (c *Controller) enforceGlobalCeiling() {
	if c.cfg.GlobalMaxConcurrency <= 0 {
		return
	}

	type row struct {
		model string
		w     *window
	}
	var rows []row
	sum := 0
	c.windows.Range(func(model string, w *window) bool {
		w.mu.Lock()
		sum += w.w.EffectiveMax
		w.mu.Unlock()
		rows = append(rows, row{model, w})
		return true
	})

	if sum <= c.cfg.GlobalMaxConcurrency {
		return
	}

	ratio := float64(c.cfg.GlobalMaxConcurrency) / float64(sum)
	for _, r := range rows {
		r.w.mu.Lock()
		scaled := int(float64(r.w.w.EffectiveMax) * ratio)
		if scaled < r.w.w.Floor {
			scaled = r.w.w.Floor
		}
		r.w.w.EffectiveMax = scaled
		r.w.mu.Unlock()
		if c.cfg.Mode == ModeEnforce {
			c.sink.SetEffectiveModelLimit(r.model, scaled)
		}
	}
}

// Snapshot returns a read-only copy of every known window, for observability
// (§9: "the core exposes a polling snapshot function").
func (c *Controller) Snapshot() []domain.ModelWindow {
	var out []domain.ModelWindow
	c.windows.Range(func(_ string, w *window) bool {
		w.mu.Lock()
		out = append(out, w.w)
		w.mu.Unlock()
		return true
	})
	return out
}
