// Package breaker implements the Circuit Breaker (C3): a per-key, per-provider
// three-state health gate with half-open probing. Grounded on the teacher's
// internal/adapter/health.CircuitBreaker (sync.Map of per-endpoint state plus
// atomic counters and a CAS-guarded half-open probe slot); generalised here
// from per-endpoint to per-(key, provider) identity and extended from the
// teacher's two-state (open flag) design to the full three-state machine
// spec'd in §4.3.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thushan/olla/internal/classifier"
	"github.com/thushan/olla/internal/core/domain"
)

// entry is the mutable state for one (keyIndex, provider) pair. failures and
// probeInFlight are atomics so onSuccess/onFailure/admitProbe never need to
// hold a lock against concurrent requests on the same key.
type entry struct {
	state         atomic.Int32 // domain.CircuitState encoded as int32
	failures      atomic.Int64
	openUntil     atomic.Int64 // UnixNano; valid only while state == Open
	probeInFlight atomic.Int32 // 0 or 1, CAS-guarded admission gate
}

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

func encode(s domain.CircuitState) int32 {
	switch s {
	case domain.CircuitOpen:
		return stateOpen
	case domain.CircuitHalfOpen:
		return stateHalfOpen
	default:
		return stateClosed
	}
}

func decode(v int32) domain.CircuitState {
	switch v {
	case stateOpen:
		return domain.CircuitOpen
	case stateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

// Breaker tracks circuit state for every (key, provider) pair that has seen
// traffic. Safe for concurrent use.
type Breaker struct {
	entries sync.Map // map[string]*entry

	failureThreshold int64
	openDuration      time.Duration
}

// New builds a Breaker with the configured failure threshold N and open
// duration D (§4.3).
func New(failureThreshold int64, openDuration time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &Breaker{failureThreshold: failureThreshold, openDuration: openDuration}
}

func identity(keyIndex int, provider string) string {
	return fmt.Sprintf("%d:%s", keyIndex, provider)
}

func (b *Breaker) entryFor(keyIndex int, provider string) *entry {
	id := identity(keyIndex, provider)
	v, _ := b.entries.LoadOrStore(id, &entry{})
	return v.(*entry)
}

// State reports the stored state without mutating anything. An Open entry
// whose cooldown has elapsed still reads as Open until AdmitProbe
// transitions it to HalfOpen and claims the probe slot.
func (b *Breaker) State(keyIndex int, provider string) domain.CircuitState {
	e := b.entryFor(keyIndex, provider)
	return decode(e.state.Load())
}

// IsAvailable reports whether a request may be dispatched on this key: true
// when Closed, or when Open but the cooldown has elapsed and a probe slot is
// free (in which case calling AdmitProbe claims it).
func (b *Breaker) IsAvailable(keyIndex int, provider string) bool {
	e := b.entryFor(keyIndex, provider)
	switch decode(e.state.Load()) {
	case domain.CircuitClosed:
		return true
	case domain.CircuitHalfOpen:
		return false // a probe is already in flight; only it may proceed
	case domain.CircuitOpen:
		if time.Now().UnixNano() < e.openUntil.Load() {
			return false
		}
		return e.probeInFlight.Load() == 0
	default:
		return false
	}
}

// AdmitProbe attempts to transition Open->HalfOpen and claim the single
// probe slot. Returns true iff this call won the race and should proceed
// with exactly one upstream request (§4.3: "Admission grants at most one
// concurrent probe").
func (b *Breaker) AdmitProbe(keyIndex int, provider string) bool {
	e := b.entryFor(keyIndex, provider)
	if decode(e.state.Load()) != domain.CircuitOpen {
		return false
	}
	if time.Now().UnixNano() < e.openUntil.Load() {
		return false
	}
	if !e.probeInFlight.CompareAndSwap(0, 1) {
		return false
	}
	e.state.Store(stateHalfOpen)
	return true
}

// OnSuccess resets the failure count; if HalfOpen, transitions to Closed and
// releases the probe slot (§4.3).
func (b *Breaker) OnSuccess(keyIndex int, provider string) {
	e := b.entryFor(keyIndex, provider)
	e.failures.Store(0)
	if decode(e.state.Load()) == domain.CircuitHalfOpen {
		e.state.Store(stateClosed)
		e.probeInFlight.Store(0)
	}
}

// OnFailure records a failure of the given classification. Only fatal kinds
// advance the counter (§4.3: "transient hangups may be configured to be
// excluded to avoid oscillation"). HalfOpen always reopens on any failure,
// fatal or not, since the single probe itself failed.
func (b *Breaker) OnFailure(keyIndex int, provider string, tag classifier.Tag) {
	e := b.entryFor(keyIndex, provider)

	if decode(e.state.Load()) == domain.CircuitHalfOpen {
		b.open(e)
		return
	}

	if !tag.IsFatal() {
		return
	}

	if e.failures.Add(1) >= b.failureThreshold {
		b.open(e)
	}
}

func (b *Breaker) open(e *entry) {
	e.state.Store(stateOpen)
	e.openUntil.Store(time.Now().Add(b.openDuration).UnixNano())
	e.probeInFlight.Store(0)
}

// ActiveKeys returns the identities this breaker currently tracks, for
// observability (e.g. /health/deep, /predictions).
func (b *Breaker) ActiveKeys() []string {
	var ids []string
	b.entries.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}
