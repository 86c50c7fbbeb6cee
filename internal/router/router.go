// Package router implements the Model Router (C6): glob-based rule matching
// to a tier, tier-scoped candidate selection with fallback, per-model
// cooldowns, and transient-vs-genuine context-overflow classification.
// Grounded on internal/util/pattern.MatchesGlob for rule matching (kept
// verbatim as an imported dependency rather than copied, since its wildcard
// semantics are exactly what §3's Routing Rule needs) and on the teacher's
// xsync-backed keyed-map idiom for the cooldown/override side-tables.
package router

import (
	"math"
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/util/pattern"
)

// InFlightSource reports per-model in-flight load, used by the throughput
// strategy to pick the least-loaded candidate (§4.6 step 4).
type InFlightSource interface {
	InFlight(model string) int64
}

// Config is the modelRouting section of the global configuration (§6).
type Config struct {
	Enabled                bool
	Tiers                   map[string]domain.Tier
	Rules                   []domain.Rule
	MaxModelSwitchesPerReq  int
	TransientOverflowRetry  bool
	LogDecisions            bool
	ShadowMode              bool
}

// Router implements selectModel (§4.6).
type Router struct {
	cfg     Config
	load    InFlightSource
	mu      sync.Mutex
	cooldowns map[string]*domain.CooldownEntry
	lastShadow *domain.Decision
}

// New builds a Router over an immutable tier/rule table.
func New(cfg Config, load InFlightSource) *Router {
	return &Router{cfg: cfg, load: load, cooldowns: make(map[string]*domain.CooldownEntry)}
}

// Request carries everything selectModel needs (§4.6).
type Request struct {
	RequestModel    string
	BodySize        int
	MaxTokens       int
	Override        string
	AdminAuthOK     bool
	AttemptedModels map[string]bool
	IncludeTrace    bool
	HasTools        bool
	LongContext     bool
	LargeMaxTokens  bool
	SwitchesSoFar   int
}

// SelectModel runs the decision pipeline of §4.6.
func (r *Router) SelectModel(req Request) *domain.Decision {
	if req.Override != "" && req.AdminAuthOK {
		return &domain.Decision{Model: req.Override, Source: "override", Reason: "admin_override"}
	}

	if req.SwitchesSoFar > r.cfg.MaxModelSwitchesPerReq {
		return &domain.Decision{Source: "rule", Reason: "routing_exhausted", GenuineOverflow: true}
	}

	tierName, rule := r.matchRule(req.RequestModel)
	if tierName == "" {
		return nil // router abstains; caller preserves original model
	}
	tier, ok := r.cfg.Tiers[tierName]
	if !ok {
		return nil
	}

	if tier.Strategy == "" && rule.Tier == "auto" {
		tier.Strategy = r.classifyComplexity(req)
	}

	candidates := r.buildCandidates(tier, req)
	trace := &domain.DecisionTrace{}
	if req.HasTools || req.LongContext || req.LargeMaxTokens {
		trace.UpgradeTrigger = r.upgradeTrigger(req)
	}

	picked, transientCandidate := r.pickCandidate(tier, candidates, req, trace)
	if picked == "" {
		decision := &domain.Decision{Tier: tierName, Source: "rule"}
		if req.IncludeTrace {
			decision.Trace = trace
		}
		if transientCandidate != "" && r.cfg.TransientOverflowRetry {
			decision.TransientOverflow = true
			decision.Model = transientCandidate
			decision.Reason = "transient_overflow"
		} else {
			decision.GenuineOverflow = true
			decision.Reason = "genuine_overflow"
		}
		return r.finish(decision)
	}

	decision := &domain.Decision{Model: picked, Tier: tierName, Source: "rule", Reason: "matched"}
	if req.IncludeTrace {
		decision.Trace = trace
	}
	return r.finish(decision)
}

func (r *Router) finish(d *domain.Decision) *domain.Decision {
	if r.cfg.ShadowMode {
		r.recordShadow(d)
		return nil
	}
	return d
}

func (r *Router) recordShadow(d *domain.Decision) {
	r.mu.Lock()
	r.lastShadow = d
	r.mu.Unlock()
}

// GetLastShadowDecision returns the last decision computed while in shadow
// mode (§4.6 Shadow mode).
func (r *Router) GetLastShadowDecision() *domain.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastShadow
}

// matchRule evaluates rules top-to-bottom; first glob match wins (§3 Routing
// Rule, §4.6 step 2).
func (r *Router) matchRule(model string) (string, domain.Rule) {
	for _, rule := range r.cfg.Rules {
		if pattern.MatchesGlob(model, rule.ModelGlob) {
			return rule.Tier, rule
		}
	}
	return "", domain.Rule{}
}

// buildCandidates assembles [targetModel] + fallbackModels, filtered by
// attempted/cooldown/policy (§4.6 step 3).
func (r *Router) buildCandidates(tier domain.Tier, req Request) []string {
	all := append([]string{}, tier.Models...)
	all = append(all, tier.FallbackModels...)

	var out []string
	for _, m := range all {
		if req.AttemptedModels[m] {
			continue
		}
		if r.isCooledDown(m) {
			continue
		}
		if !policyAllows(tier.ClientModelPolicy, m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func policyAllows(policy []string, model string) bool {
	if len(policy) == 0 {
		return true
	}
	for _, p := range policy {
		if pattern.MatchesGlob(model, p) {
			return true
		}
	}
	return false
}

// pickCandidate runs the context-window check over candidates in strategy
// order and returns the first passing one. If none passes, it returns the
// most-constrained candidate that would fit this request if it weren't
// temporarily blocked (§4.6 step 4-5), for the caller to flag as a transient
// overflow; "" if no model could ever fit (genuine overflow).
func (r *Router) pickCandidate(tier domain.Tier, candidates []string, req Request, trace *domain.DecisionTrace) (string, string) {
	ordered := r.order(tier, candidates)
	estimated := estimateTokens(req.BodySize, req.MaxTokens)

	for _, m := range ordered {
		ctxLen, ok := tier.ContextLength[m]
		if ok && estimated > ctxLen {
			trace.Candidates = append(trace.Candidates, domain.CandidateOutcome{Model: m, Reason: "context_overflow"})
			continue
		}
		trace.Candidates = append(trace.Candidates, domain.CandidateOutcome{Model: m, Reason: "selected", Picked: true})
		return m, ""
	}

	blocked := r.smallestFittingBlockedModel(tier, estimated)
	if blocked != "" {
		trace.Candidates = append(trace.Candidates, domain.CandidateOutcome{Model: blocked, Reason: "at_capacity"})
	}
	return "", blocked
}

// smallestFittingBlockedModel implements the §4.6 context-window check's
// transient-vs-genuine rule: across every model configured for the tier
// (ignoring the attempted/cooldown/policy filters that produced candidates),
// find the smallest-context model that would actually fit estimated tokens.
// If that model exists but is only temporarily unavailable - cooled down or
// at its configured concurrency ceiling - the miss is transient and this
// returns that model so the caller can retry it once it frees up. Returns ""
// when no model could ever fit, or the smallest fitting one isn't blocked
// (e.g. excluded only by clientModelPolicy or already attempted this
// request) - in either case the overflow is genuine.
func (r *Router) smallestFittingBlockedModel(tier domain.Tier, estimated int) string {
	all := append([]string{}, tier.Models...)
	all = append(all, tier.FallbackModels...)

	best := ""
	bestCtx := math.MaxInt32
	for _, m := range all {
		ctxLen, ok := tier.ContextLength[m]
		if ok && estimated > ctxLen {
			continue
		}
		limit := ctxLen
		if !ok {
			limit = math.MaxInt32
		}
		if best == "" || limit < bestCtx {
			best = m
			bestCtx = limit
		}
	}
	if best == "" {
		return ""
	}
	if r.isCooledDown(best) || r.atCapacity(tier, best) {
		return best
	}
	return ""
}

func estimateTokens(bodySize, maxTokens int) int {
	return int(math.Ceil(float64(bodySize)/4.0)) + maxTokens
}

func (r *Router) atCapacity(tier domain.Tier, model string) bool {
	limit, ok := tier.MaxConcurrency[model]
	if !ok || r.load == nil {
		return false
	}
	return r.load.InFlight(model) >= int64(limit)
}

// order applies the tier strategy (§4.6 step 4): throughput sorts by lowest
// in-flight count; quality and balanced both keep the configured list order.
// No weighting is applied for balanced.
func (r *Router) order(tier domain.Tier, candidates []string) []string {
	switch tier.Strategy {
	case domain.StrategyThroughput:
		out := append([]string{}, candidates...)
		if r.load == nil {
			return out
		}
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && r.load.InFlight(out[j]) < r.load.InFlight(out[j-1]); j-- {
				out[j], out[j-1] = out[j-1], out[j]
			}
		}
		return out
	default:
		return candidates
	}
}

func (r *Router) classifyComplexity(req Request) domain.Strategy {
	switch {
	case req.HasTools:
		return domain.StrategyQuality
	case req.LongContext:
		return domain.StrategyBalanced
	default:
		return domain.StrategyThroughput
	}
}

func (r *Router) upgradeTrigger(req Request) string {
	switch {
	case req.HasTools:
		return "hasTools"
	case req.LongContext:
		return "longContext"
	case req.LargeMaxTokens:
		return "largeMaxTokens"
	default:
		return ""
	}
}

// RecordModelCooldown implements §4.6 recordModelCooldown: sets or extends a
// cooldown, burst-dampening when a prior cooldown is still active.
func (r *Router) RecordModelCooldown(model string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry, ok := r.cooldowns[model]
	if !ok {
		r.cooldowns[model] = &domain.CooldownEntry{Until: now.Add(d), Count: 1}
		return
	}

	entry.Count++
	burst := now.Before(entry.Until)
	if burst {
		d = time.Duration(float64(d) * 1.5)
		entry.BurstDampened = true
	}
	if now.Add(d).After(entry.Until) {
		entry.Until = now.Add(d)
	}
}

func (r *Router) isCooledDown(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cooldowns[model]
	if !ok {
		return false
	}
	return time.Now().Before(entry.Until)
}

// CooldownRemaining reports how long until model's cooldown lifts, or 0 if
// it is not currently cooled down. Used by the retry loop to wait out a
// transient overflow before retrying onto the candidate the router named
// (§4.6 step 5, §4.7).
func (r *Router) CooldownRemaining(model string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cooldowns[model]
	if !ok {
		return 0
	}
	remaining := time.Until(entry.Until)
	if remaining < 0 {
		return 0
	}
	return remaining
}
