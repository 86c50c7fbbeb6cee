package observability

import (
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

// PayloadCache is a fixed-capacity store of redacted request bodies for
// failed or oversized requests (§3 Payload Cache), served at
// GET /requests/{id}/payload. Same overwrite-ring shape as TraceStore.
type PayloadCache struct {
	mu       sync.RWMutex
	capacity int
	slots    []*domain.PayloadEntry
	next     int
	byID     map[string]*domain.PayloadEntry
}

func NewPayloadCache(capacity int) *PayloadCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &PayloadCache{
		capacity: capacity,
		slots:    make([]*domain.PayloadEntry, capacity),
		byID:     make(map[string]*domain.PayloadEntry, capacity),
	}
}

// Put stores body (already redacted by the caller) under requestID.
func (c *PayloadCache) Put(requestID string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted := c.slots[c.next]; evicted != nil {
		delete(c.byID, evicted.RequestID)
	}
	entry := &domain.PayloadEntry{StoredAt: time.Now(), RequestID: requestID, Body: body}
	c.slots[c.next] = entry
	c.byID[requestID] = entry
	c.next = (c.next + 1) % c.capacity
}

func (c *PayloadCache) Get(requestID string) (*domain.PayloadEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[requestID]
	return e, ok
}
