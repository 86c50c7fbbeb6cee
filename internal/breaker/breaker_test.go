package breaker

import (
	"testing"
	"time"

	"github.com/thushan/olla/internal/classifier"
	"github.com/thushan/olla/internal/core/domain"
)

func TestBreaker_ClosedToOpenOnThreshold(t *testing.T) {
	b := New(3, 50*time.Millisecond)

	for i := 0; i < 2; i++ {
		b.OnFailure(1, "anthropic", classifier.TagConnectionRefused)
		if b.State(1, "anthropic") != domain.CircuitClosed {
			t.Fatalf("expected still closed after %d failures", i+1)
		}
	}
	b.OnFailure(1, "anthropic", classifier.TagConnectionRefused)
	if b.State(1, "anthropic") != domain.CircuitOpen {
		t.Fatal("expected open after reaching threshold")
	}
}

func TestBreaker_NonFatalDoesNotCount(t *testing.T) {
	b := New(1, time.Second)
	b.OnFailure(1, "anthropic", classifier.TagStreamPrematureClose)
	if b.State(1, "anthropic") != domain.CircuitClosed {
		t.Fatal("non-fatal failure should not open the breaker")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.OnFailure(1, "anthropic", classifier.TagConnectionRefused)
	if b.State(1, "anthropic") != domain.CircuitOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.AdmitProbe(1, "anthropic") {
		t.Fatal("expected first probe to be admitted")
	}
	if b.AdmitProbe(1, "anthropic") {
		t.Fatal("expected second concurrent probe to be rejected")
	}
	if b.State(1, "anthropic") != domain.CircuitHalfOpen {
		t.Fatal("expected half_open after admitting a probe")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(1, 5*time.Millisecond)
	b.OnFailure(1, "anthropic", classifier.TagConnectionRefused)
	time.Sleep(10 * time.Millisecond)
	b.AdmitProbe(1, "anthropic")
	b.OnSuccess(1, "anthropic")
	if b.State(1, "anthropic") != domain.CircuitClosed {
		t.Fatal("expected closed after successful probe")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(1, 5*time.Millisecond)
	b.OnFailure(1, "anthropic", classifier.TagConnectionRefused)
	time.Sleep(10 * time.Millisecond)
	b.AdmitProbe(1, "anthropic")
	b.OnFailure(1, "anthropic", classifier.TagTimeout)
	if b.State(1, "anthropic") != domain.CircuitOpen {
		t.Fatal("expected reopen after failed probe")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Second)
	b.OnFailure(1, "anthropic", classifier.TagConnectionRefused)
	if b.State(2, "anthropic") != domain.CircuitClosed {
		t.Fatal("different key index must not share state")
	}
	if b.State(1, "openai") != domain.CircuitClosed {
		t.Fatal("different provider on the same key index must not share state")
	}
}
