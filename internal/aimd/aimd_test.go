package aimd

import (
	"testing"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

type fixedStatics map[string]int

func (f fixedStatics) StaticLimit(model string) (int, bool) {
	v, ok := f[model]
	return v, ok
}

type captureSink struct {
	last map[string]int
}

func newCaptureSink() *captureSink { return &captureSink{last: map[string]int{}} }

func (s *captureSink) SetEffectiveModelLimit(model string, limit int) {
	s.last[model] = limit
}

func TestParseMode_InvalidCoercesToObserveOnly(t *testing.T) {
	if ParseMode("bogus") != ModeObserveOnly {
		t.Fatal("invalid mode must coerce to observe_only")
	}
	if ParseMode("enforce") != ModeEnforce {
		t.Fatal("enforce must round-trip")
	}
}

func TestAIMD_DecreaseThenRecover(t *testing.T) {
	sink := newCaptureSink()
	cfg := Config{
		Mode:             ModeEnforce,
		DecreaseFactor:   0.5,
		MinHold:          0, // disable anti-flap gate for this deterministic test
		RecoveryDelay:    0,
		MinWindow:        1,
		GrowthMode:       GrowthFixedTicks,
		GrowthCleanTicks: 2,
		QuotaRetryAfter:  5 * time.Second,
	}
	c := New(cfg, fixedStatics{"glm-5": 10}, sink)

	c.RecordCongestion("glm-5", domain.CongestionSignal{RetryAfterMs: 2000})
	now := time.Now()
	c.Tick(now)

	limit, _ := c.EffectiveLimit("glm-5")
	if limit != 5 {
		t.Fatalf("expected effectiveMax=5 after 50%% decrease, got %d", limit)
	}
	if sink.last["glm-5"] != 5 {
		t.Fatalf("enforce mode must write back, got %v", sink.last)
	}

	future := now.Add(10 * time.Second)
	c.RecordSuccess("glm-5")
	c.Tick(future)
	c.RecordSuccess("glm-5")
	c.Tick(future.Add(time.Second))

	limit, _ = c.EffectiveLimit("glm-5")
	if limit != 6 {
		t.Fatalf("expected effectiveMax=6 after two clean ticks with growthCleanTicks=2, got %d", limit)
	}
}

func TestAIMD_QuotaDoesNotShrink(t *testing.T) {
	sink := newCaptureSink()
	cfg := Config{Mode: ModeEnforce, DecreaseFactor: 0.5, MinWindow: 1, QuotaRetryAfter: 10 * time.Second}
	c := New(cfg, fixedStatics{"glm-5": 10}, sink)

	c.RecordCongestion("glm-5", domain.CongestionSignal{RetryAfterMs: 120000})
	c.Tick(time.Now())

	limit, _ := c.EffectiveLimit("glm-5")
	if limit != 10 {
		t.Fatalf("quota signal must not shrink the window, got %d", limit)
	}
}

func TestAIMD_UnknownModelNoWindow(t *testing.T) {
	c := New(Config{MinWindow: 1}, fixedStatics{}, newCaptureSink())
	c.RecordCongestion("ghost-model", domain.CongestionSignal{})
	c.RecordSuccess("ghost-model")
	if _, ok := c.EffectiveLimit("ghost-model"); ok {
		t.Fatal("unknown model must never get a window")
	}
}

func TestAIMD_FloorBoundary(t *testing.T) {
	sink := newCaptureSink()
	cfg := Config{Mode: ModeEnforce, DecreaseFactor: 0.1, MinWindow: 3, QuotaRetryAfter: time.Minute}
	c := New(cfg, fixedStatics{"m": 10}, sink)

	for i := 0; i < 10; i++ {
		c.RecordCongestion("m", domain.CongestionSignal{RetryAfterMs: 1})
		c.Tick(time.Now().Add(time.Duration(i) * time.Minute))
	}
	limit, _ := c.EffectiveLimit("m")
	if limit < 3 {
		t.Fatalf("effectiveMax must never drop below floor=3, got %d", limit)
	}
}

func TestAIMD_StartStopIdempotent(t *testing.T) {
	c := New(Config{TickInterval: time.Hour}, fixedStatics{"m": 10}, newCaptureSink())
	c.Start()
	c.Start() // must not panic or double-schedule
	c.Stop()
	c.Stop() // must be a no-op
}

func TestAIMD_StopInEnforceModeRestoresStatic(t *testing.T) {
	sink := newCaptureSink()
	cfg := Config{Mode: ModeEnforce, DecreaseFactor: 0.5, MinWindow: 1, TickInterval: time.Hour, QuotaRetryAfter: time.Minute}
	c := New(cfg, fixedStatics{"m": 10}, sink)
	c.RecordCongestion("m", domain.CongestionSignal{RetryAfterMs: 1})
	c.Tick(time.Now())
	c.Start()
	c.Stop()

	limit, _ := c.EffectiveLimit("m")
	if limit != 10 {
		t.Fatalf("stop() in enforce mode must restore static limits, got %d", limit)
	}
}

func TestAIMD_GlobalCeilingScalesDown(t *testing.T) {
	sink := newCaptureSink()
	cfg := Config{Mode: ModeEnforce, MinWindow: 1, GlobalMaxConcurrency: 10}
	c := New(cfg, fixedStatics{"a": 10, "b": 10}, sink)
	c.EffectiveLimit("a")
	c.EffectiveLimit("b")

	c.Tick(time.Now())

	la, _ := c.EffectiveLimit("a")
	lb, _ := c.EffectiveLimit("b")
	if la+lb > 10 {
		t.Fatalf("global ceiling must be enforced, got a=%d b=%d", la, lb)
	}
}
