package observability

import (
	"testing"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

func newTrace(id string, startedAt time.Time) *domain.RequestTrace {
	return &domain.RequestTrace{
		RequestID: id,
		Status:    "success",
		StartedAt: startedAt,
	}
}

func TestTraceStoreRecordAndGet(t *testing.T) {
	store := NewTraceStore(2)

	store.Record(newTrace("a", time.Now()))
	if _, ok := store.Get("a"); !ok {
		t.Fatal("expected trace a to be retained")
	}
	if _, ok := store.Get("missing"); ok {
		t.Fatal("expected missing trace to be absent")
	}
}

func TestTraceStoreEvictsOldestOnWrap(t *testing.T) {
	store := NewTraceStore(2)

	store.Record(newTrace("a", time.Now()))
	store.Record(newTrace("b", time.Now()))
	store.Record(newTrace("c", time.Now()))

	if _, ok := store.Get("a"); ok {
		t.Fatal("expected oldest trace a to be evicted")
	}
	if _, ok := store.Get("b"); !ok {
		t.Fatal("expected trace b to be retained")
	}
	if _, ok := store.Get("c"); !ok {
		t.Fatal("expected trace c to be retained")
	}
}

func TestTraceStoreListMostRecentFirst(t *testing.T) {
	store := NewTraceStore(3)
	base := time.Now()

	store.Record(newTrace("a", base))
	store.Record(newTrace("b", base.Add(time.Second)))
	store.Record(newTrace("c", base.Add(2*time.Second)))

	got := store.List(10, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(got))
	}
	if got[0].RequestID != "c" || got[1].RequestID != "b" || got[2].RequestID != "a" {
		t.Fatalf("expected most-recent-first order, got %v %v %v", got[0].RequestID, got[1].RequestID, got[2].RequestID)
	}
}

func TestTraceStoreListLimitOffset(t *testing.T) {
	store := NewTraceStore(5)
	base := time.Now()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		store.Record(newTrace(id, base.Add(time.Duration(i)*time.Second)))
	}

	got := store.List(2, 1)
	if len(got) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(got))
	}
	if got[0].RequestID != "d" || got[1].RequestID != "c" {
		t.Fatalf("unexpected page contents: %v %v", got[0].RequestID, got[1].RequestID)
	}
}

func TestTraceStoreSince(t *testing.T) {
	store := NewTraceStore(5)
	now := time.Now()

	store.Record(newTrace("old", now.Add(-time.Hour)))
	store.Record(newTrace("recent", now.Add(-time.Second)))

	got := store.Since(time.Minute)
	if len(got) != 1 || got[0].RequestID != "recent" {
		t.Fatalf("expected only the recent trace within the window, got %v", got)
	}
}

func TestTraceStoreSearch(t *testing.T) {
	store := NewTraceStore(5)
	now := time.Now()

	t1 := newTrace("a", now)
	t1.MappedModel = "claude-haiku"
	t2 := newTrace("b", now)
	t2.MappedModel = "claude-opus"

	store.Record(t1)
	store.Record(t2)

	got := store.Search(func(t *domain.RequestTrace) bool {
		return t.MappedModel == "claude-opus"
	})
	if len(got) != 1 || got[0].RequestID != "b" {
		t.Fatalf("expected only trace b to match, got %v", got)
	}
}

func TestNewTraceStoreCoercesNonPositiveCapacity(t *testing.T) {
	store := NewTraceStore(0)
	if store.capacity != 1 {
		t.Fatalf("expected capacity to be coerced to 1, got %d", store.capacity)
	}
}
