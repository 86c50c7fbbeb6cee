package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thushan/olla/internal/logger"
)

func testLogger() *logger.StyledLogger {
	_, styled, cleanup, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	if err != nil {
		panic(err)
	}
	_ = cleanup
	return styled
}

func TestForward_Success(t *testing.T) {
	body := `{"type":"message","usage":{"input_tokens":10,"output_tokens":20}}`
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       http.NoBody,
	}
	resp.Body = newReadCloser(body)

	w := httptest.NewRecorder()
	buf := NewRingBuffer(1024)
	l := testLogger()

	result, err := Forward(context.Background(), w, resp, buf, time.Second, l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	if !strings.Contains(w.Body.String(), "usage") {
		t.Fatalf("expected body piped to client, got %s", w.Body.String())
	}
}

func TestForward_ErrorBodyCaptured(t *testing.T) {
	resp := &http.Response{
		StatusCode: 429,
		Header:     http.Header{"Retry-After": []string{"2"}},
	}
	resp.Body = newReadCloser(`{"error":{"type":"rate_limit_error","message":"quota exceeded"}}`)

	w := httptest.NewRecorder()
	buf := NewRingBuffer(1024)
	l := testLogger()

	result, err := Forward(context.Background(), w, resp, buf, time.Second, l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RetryAfterMs != 2000 {
		t.Fatalf("expected RetryAfterMs=2000, got %d", result.RetryAfterMs)
	}
	if !strings.Contains(result.ErrorBody, "quota") {
		t.Fatalf("expected error body captured, got %s", result.ErrorBody)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("error bodies must not be piped to the client, got %s", w.Body.String())
	}
}

type readCloser struct {
	*strings.Reader
}

func (readCloser) Close() error { return nil }

func newReadCloser(s string) readCloser {
	return readCloser{strings.NewReader(s)}
}
