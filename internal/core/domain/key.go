package domain

import (
	"sync/atomic"
	"time"
)

// Key is a single upstream API credential the proxy may select for a request.
// Identity is stable for the process lifetime: (Index, Prefix). Keys are built
// once at startup from configuration and are never mutated except through the
// Key Manager's atomic operations.
type Key struct {
	createdAt time.Time

	inFlight map[string]*int64 // model -> in-flight counter, lazily populated

	Secret string
	Prefix string
	Index  int

	// StaticLimit is the configured per-model concurrency ceiling for this key.
	// Absent entries mean "unknown model, not tracked".
	StaticLimit map[string]int

	// Provider identifies the upstream dialect this key authenticates against
	// (e.g. "anthropic", "openai"); used by the forwarder to select the wire shape.
	Provider string
}

// NewKey builds a Key with its in-flight accounting ready to use. Counters are
// pre-allocated for every model named in staticLimit so that concurrent
// first-touch never races on the underlying map; models outside staticLimit
// are untracked by design (§4.4: unknown models bypass slot accounting).
func NewKey(index int, secret, provider string, staticLimit map[string]int) *Key {
	k := &Key{
		Index:       index,
		Prefix:      prefixOf(secret),
		Secret:      secret,
		Provider:    provider,
		StaticLimit: staticLimit,
		inFlight:    make(map[string]*int64, len(staticLimit)),
		createdAt:   time.Now(),
	}
	for model := range staticLimit {
		var v int64
		k.inFlight[model] = &v
	}
	return k
}

func prefixOf(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8]
}

// counter returns the in-flight counter for model, or nil if model is
// untracked (unknown to this key's static limits).
func (k *Key) counter(model string) *int64 {
	return k.inFlight[model]
}

// InFlight returns the current in-flight count for model on this key.
func (k *Key) InFlight(model string) int64 {
	c, ok := k.inFlight[model]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}

// AcquireSlot is the per-key counterpart of the Key Manager's model-wide
// AcquireModelSlot (§4.4): succeeds iff this key's in-flight count for model
// is below its configured StaticLimit. Untracked models (no StaticLimit
// entry) always succeed and are not counted.
func (k *Key) AcquireSlot(model string) bool {
	limit, ok := k.StaticLimit[model]
	if !ok {
		return true
	}
	c := k.counter(model)
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

// ReleaseSlot releases one slot previously won by AcquireSlot. A no-op for
// untracked models.
func (k *Key) ReleaseSlot(model string) {
	c := k.counter(model)
	if c == nil {
		return
	}
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

// CreatedAt reports when this key was constructed (process start).
func (k *Key) CreatedAt() time.Time { return k.createdAt }
