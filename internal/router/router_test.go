package router

import (
	"testing"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

func baseCfg() Config {
	return Config{
		Enabled: true,
		Tiers: map[string]domain.Tier{
			"heavy": {
				Name:     "heavy",
				Models:   []string{"glm-5"},
				Strategy: domain.StrategyQuality,
				ContextLength: map[string]int{"glm-5": 200000},
			},
			"light": {
				Name:           "light",
				Models:         []string{"glm-4.5-air"},
				FallbackModels: []string{"glm-4.7-flash"},
				Strategy:       domain.StrategyQuality,
				ContextLength:  map[string]int{"glm-4.5-air": 128000, "glm-4.7-flash": 200000},
				MaxConcurrency: map[string]int{"glm-4.7-flash": 1},
			},
		},
		Rules:                  []domain.Rule{{ModelGlob: "claude-3-opus*", Tier: "heavy"}, {ModelGlob: "*", Tier: "light"}},
		MaxModelSwitchesPerReq: 3,
		TransientOverflowRetry: true,
	}
}

func TestSelectModel_SimpleProxy(t *testing.T) {
	r := New(baseCfg(), nil)
	d := r.SelectModel(Request{RequestModel: "claude-3-opus-20240229", AttemptedModels: map[string]bool{}})
	if d == nil || d.Model != "glm-5" || d.Tier != "heavy" {
		t.Fatalf("got %+v", d)
	}
}

func TestSelectModel_NoRuleMatchAbstains(t *testing.T) {
	cfg := baseCfg()
	cfg.Rules = []domain.Rule{{ModelGlob: "claude-3-opus*", Tier: "heavy"}} // no catch-all
	r := New(cfg, nil)
	d := r.SelectModel(Request{RequestModel: "totally-unmatched-model", AttemptedModels: map[string]bool{}})
	if d != nil {
		t.Fatalf("expected nil (router abstains), got %+v", d)
	}
}

func TestSelectModel_OverrideRequiresAdminAuth(t *testing.T) {
	r := New(baseCfg(), nil)
	d := r.SelectModel(Request{RequestModel: "claude-3-opus-20240229", Override: "custom-model", AdminAuthOK: false, AttemptedModels: map[string]bool{}})
	if d == nil || d.Source == "override" {
		t.Fatalf("unauthenticated override must not be honoured, got %+v", d)
	}

	d = r.SelectModel(Request{RequestModel: "claude-3-opus-20240229", Override: "custom-model", AdminAuthOK: true, AttemptedModels: map[string]bool{}})
	if d == nil || d.Model != "custom-model" || d.Source != "override" {
		t.Fatalf("authenticated override should win, got %+v", d)
	}
}

func TestSelectModel_GenuineOverflow(t *testing.T) {
	r := New(baseCfg(), nil)
	d := r.SelectModel(Request{
		RequestModel:    "claude-3-opus-20240229",
		BodySize:        900000,
		MaxTokens:       8000,
		AttemptedModels: map[string]bool{},
	})
	if d == nil || !d.GenuineOverflow {
		t.Fatalf("expected genuine overflow, got %+v", d)
	}
}

func TestSelectModel_TransientOverflowWithCooldown(t *testing.T) {
	r := New(baseCfg(), nil)
	r.RecordModelCooldown("glm-4.7-flash", 100*time.Millisecond)

	d := r.SelectModel(Request{
		RequestModel:    "any-light-model",
		BodySize:        150000 * 4,
		MaxTokens:       0,
		AttemptedModels: map[string]bool{},
	})
	if d == nil {
		t.Fatal("expected a decision")
	}
	if !d.TransientOverflow || d.Model != "glm-4.7-flash" {
		t.Fatalf("expected a transient overflow naming the cooled-down candidate, got %+v", d)
	}

	time.Sleep(120 * time.Millisecond)
	d = r.SelectModel(Request{
		RequestModel:    "any-light-model",
		BodySize:        150000 * 4,
		MaxTokens:       0,
		AttemptedModels: map[string]bool{},
	})
	if d == nil || d.Model != "glm-4.7-flash" {
		t.Fatalf("expected glm-4.7-flash after cooldown elapsed, got %+v", d)
	}
}

func TestSelectModel_AttemptedModelsExcluded(t *testing.T) {
	r := New(baseCfg(), nil)
	d := r.SelectModel(Request{
		RequestModel:    "claude-3-opus-20240229",
		AttemptedModels: map[string]bool{"glm-5": true},
	})
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.Model == "glm-5" {
		t.Fatalf("mappedModel must not be in attemptedModels, got %+v", d)
	}
}
