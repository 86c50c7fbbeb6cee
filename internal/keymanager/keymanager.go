// Package keymanager implements the Key Manager (C4): the pool of upstream
// keys, their per-model static/effective concurrency accounting, and fair key
// selection. Grounded on three teacher strategies generalised into one:
// internal/adapter/balancer/round_robin.go (atomic rotating cursor, here used
// as the scan order), least_connections.go (pick by lowest current load,
// here folded into the deficit comparison) and priority.go (weighted
// candidate selection, here the per-key quantum). EffectiveLimit is supplied
// by the Adaptive Concurrency Controller (C5) through the LimitSource
// interface, kept separate per the spec's component boundary (§2).
package keymanager

import (
	"sync"
	"sync/atomic"

	"github.com/thushan/olla/internal/core/domain"
)

// LimitSource exposes the AIMD-maintained effective ceiling for a model.
// ok=false means "unknown model" - accounting is bypassed entirely (§4.4
// invariant 3).
type LimitSource interface {
	EffectiveLimit(model string) (limit int, ok bool)
}

// Available reports whether a key may currently be dispatched to (circuit
// breaker state), decoupled here from the breaker package itself so the key
// manager doesn't need to know about providers beyond what's on the key.
type Available interface {
	IsAvailable(keyIndex int, provider string) bool
}

type keyState struct {
	deficit  atomic.Int64
	selected atomic.Int64 // lifetime selection count, for fairness observability
}

// Manager holds the key pool and all per-model in-flight accounting.
type Manager struct {
	limits  LimitSource
	breaker Available

	keys       []*domain.Key
	states     []*keyState
	cursor     atomic.Uint64
	modelMu    sync.Mutex
	modelFlight map[string]*int64
}

// New builds a Manager over a fixed key pool. The pool is immutable for the
// process lifetime (§3 Key: "Created at startup... lifetime = process").
func New(keys []*domain.Key, limits LimitSource, breaker Available) *Manager {
	states := make([]*keyState, len(keys))
	for i := range states {
		states[i] = &keyState{}
	}
	return &Manager{
		keys:        keys,
		states:      states,
		limits:      limits,
		breaker:     breaker,
		modelFlight: make(map[string]*int64),
	}
}

func (m *Manager) flightCounter(model string) *int64 {
	m.modelMu.Lock()
	defer m.modelMu.Unlock()
	c, ok := m.modelFlight[model]
	if !ok {
		var v int64
		c = &v
		m.modelFlight[model] = c
	}
	return c
}

// AcquireModelSlot implements §4.4 acquireModelSlot: succeeds iff current
// in-flight < effective limit; unknown models always succeed untracked.
func (m *Manager) AcquireModelSlot(model string) bool {
	limit, ok := m.limits.EffectiveLimit(model)
	if !ok {
		return true
	}
	c := m.flightCounter(model)
	for {
		cur := atomic.LoadInt64(c)
		if cur >= int64(limit) {
			return false
		}
		if atomic.CompareAndSwapInt64(c, cur, cur+1) {
			return true
		}
	}
}

// ReleaseModelSlot implements §4.4 releaseModelSlot: atomic decrement with an
// underflow guard. A no-op for untracked (unknown) models.
func (m *Manager) ReleaseModelSlot(model string) {
	if _, ok := m.limits.EffectiveLimit(model); !ok {
		return
	}
	c := m.flightCounter(model)
	for {
		cur := atomic.LoadInt64(c)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(c, cur, cur-1) {
			return
		}
	}
}

// InFlight reports the current tracked in-flight count for model.
func (m *Manager) InFlight(model string) int64 {
	return atomic.LoadInt64(m.flightCounter(model))
}

// SelectKey implements §4.4 selectKey: a deficit-round-robin pass over keys
// that (a) are Closed or probe-admissible, (b) have not yet been attempted
// for this request. The scan starts from a rotating cursor so no single key
// is always examined first (grounded on round_robin.go's atomic cursor);
// among eligible keys, the one with the largest accumulated deficit wins
// (grounded on least_connections.go's "pick the least loaded" comparison,
// generalised from a live counter to a fairness deficit so idle keys catch
// up over time rather than only reacting to instantaneous load).
func (m *Manager) SelectKey(model string, attemptedKeys map[int]bool) *domain.Key {
	n := len(m.keys)
	if n == 0 {
		return nil
	}
	start := int(m.cursor.Add(1) % uint64(n))

	var best *domain.Key
	var bestState *keyState
	var bestDeficit int64 = -1

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		k := m.keys[idx]
		if attemptedKeys[k.Index] {
			continue
		}
		if !m.breaker.IsAvailable(k.Index, k.Provider) {
			continue
		}
		if limit, ok := k.StaticLimit[model]; ok && k.InFlight(model) >= int64(limit) {
			continue
		}

		st := m.states[idx]
		d := st.deficit.Add(1)
		if d > bestDeficit {
			bestDeficit = d
			best = k
			bestState = st
		}
	}

	if best != nil {
		bestState.deficit.Store(0)
		bestState.selected.Add(1)
	}
	return best
}

// RestoreStaticLimits is a no-op on the key manager itself: the spec assigns
// restoreStaticLimits() to the component holding effectiveMax, which here is
// the AIMD controller's window map (see internal/aimd). Kept as a documented
// pass-through so callers following the spec's component list find the name.
func (m *Manager) RestoreStaticLimits() {}

// KeyStats is one row of GetAggregatedStats (§4.4).
type KeyStats struct {
	Index          int
	Prefix         string
	SelectionCount int64
	FairnessScore  float64
}

// HealthySummary reports how many of the configured keys currently accept
// traffic (circuit Closed, or Open-past-cooldown with a free probe slot)
// against the pool total (§6 GET /health).
func (m *Manager) HealthySummary() (healthy, total int) {
	total = len(m.keys)
	for _, k := range m.keys {
		if m.breaker.IsAvailable(k.Index, k.Provider) {
			healthy++
		}
	}
	return healthy, total
}

// GetAggregatedStats reports totals and the per-key fairness score
// supplemented by SPEC_FULL.md §C (observability on selectKey).
func (m *Manager) GetAggregatedStats() []KeyStats {
	var total int64
	for _, st := range m.states {
		total += st.selected.Load()
	}

	out := make([]KeyStats, len(m.keys))
	for i, k := range m.keys {
		sel := m.states[i].selected.Load()
		score := 0.0
		if total > 0 {
			score = float64(sel) / float64(total)
		}
		out[i] = KeyStats{Index: k.Index, Prefix: k.Prefix, SelectionCount: sel, FairnessScore: score}
	}
	return out
}
