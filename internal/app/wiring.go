package app

import (
	"time"

	"github.com/thushan/olla/internal/aimd"
	"github.com/thushan/olla/internal/config"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/router"
)

// noopWriteBack discards AIMD effective-limit change notifications. The key
// manager reads limits directly through aimd.Controller.EffectiveLimit, so
// the write-back sink has no wiring target yet in this deployment.
type noopWriteBack struct{}

func (noopWriteBack) SetEffectiveModelLimit(string, int) {}

func buildAIMDConfig(cfg config.AdaptiveConfig) aimd.Config {
	return aimd.Config{
		Mode:                     aimd.ParseMode(cfg.Mode),
		TickInterval:             time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		DecreaseFactor:           cfg.DecreaseFactor,
		RecoveryDelay:            time.Duration(cfg.RecoveryDelayMs) * time.Millisecond,
		MinWindow:                cfg.MinWindow,
		GrowthMode:               parseGrowthMode(cfg.GrowthMode),
		GrowthCleanTicks:         cfg.GrowthCleanTicks,
		MinHold:                  time.Duration(cfg.MinHoldMs) * time.Millisecond,
		IdleTimeout:              time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		IdleDecayStep:            cfg.IdleDecayStep,
		QuotaRetryAfter:          time.Duration(cfg.QuotaRetryAfterMs) * time.Millisecond,
		TreatUnknownAsCongestion: cfg.TreatUnknownAsCongestion,
		GlobalMaxConcurrency:     cfg.GlobalMaxConcurrency,
	}
}

func parseGrowthMode(s string) aimd.GrowthMode {
	if aimd.GrowthMode(s) == aimd.GrowthProportional {
		return aimd.GrowthProportional
	}
	return aimd.GrowthFixedTicks
}

// buildRouterConfig translates the modelRouting config section into the
// router's domain-typed tier/rule table (§6 modelRouting).
func buildRouterConfig(cfg config.ModelRoutingConfig) router.Config {
	tiers := make(map[string]domain.Tier, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = domain.Tier{
			Name:              name,
			Models:            t.Models,
			Strategy:          domain.Strategy(t.Strategy),
			ClientModelPolicy: t.ClientModelPolicy,
			FallbackModels:    t.FallbackModels,
			ContextLength:     t.ContextLength,
			MaxConcurrency:    t.MaxConcurrency,
		}
	}

	rules := make([]domain.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, domain.Rule{ModelGlob: r.ModelGlob, Tier: r.Tier})
	}

	return router.Config{
		Enabled:                cfg.Enabled,
		Tiers:                  tiers,
		Rules:                  rules,
		MaxModelSwitchesPerReq: cfg.MaxModelSwitchesPerReq,
		TransientOverflowRetry: cfg.TransientOverflowRetry,
		LogDecisions:           cfg.LogDecisions,
	}
}
