package streamparse

import "testing"

func TestParse_SSELastChunk(t *testing.T) {
	p := New()
	chunks := [][]byte{
		[]byte("data: {\"type\":\"content_block_delta\"}\n\n"),
		[]byte("data: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":12,\"output_tokens\":34}}\n\ndata: [DONE]\n\n"),
	}

	usage := p.Parse(chunks)
	if usage == nil {
		t.Fatal("expected usage, got nil")
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 34 {
		t.Errorf("got %+v", usage)
	}
}

func TestParse_NonStreamingWholeJSON(t *testing.T) {
	p := New()
	chunks := [][]byte{
		[]byte(`{"id":"x","usage":{"prompt_tokens":7,"completion_tokens":9}}`),
	}
	usage := p.Parse(chunks)
	if usage == nil || usage.InputTokens != 7 || usage.OutputTokens != 9 {
		t.Fatalf("got %+v", usage)
	}
}

func TestParse_AnthropicNested(t *testing.T) {
	p := New()
	chunks := [][]byte{
		[]byte(`{"anthropic":{"usage":{"input_tokens":1,"output_tokens":2}},"usage":{"input_tokens":99,"output_tokens":99}}`),
	}
	usage := p.Parse(chunks)
	if usage == nil || usage.InputTokens != 1 || usage.OutputTokens != 2 {
		t.Fatalf("nested anthropic.usage should win over top-level usage, got %+v", usage)
	}
}

func TestParse_MalformedLineDoesNotAbortScan(t *testing.T) {
	p := New()
	chunks := [][]byte{
		[]byte("data: {not json}\ndata: {\"usage\":{\"input_tokens\":3,\"output_tokens\":4}}\n"),
	}
	usage := p.Parse(chunks)
	if usage == nil || usage.InputTokens != 3 {
		t.Fatalf("got %+v", usage)
	}
}

func TestParse_NoUsageReturnsNil(t *testing.T) {
	p := New()
	chunks := [][]byte{[]byte("data: {\"type\":\"ping\"}\n")}
	if usage := p.Parse(chunks); usage != nil {
		t.Fatalf("expected nil, got %+v", usage)
	}
}

func TestHasQuotaSignal(t *testing.T) {
	if !HasQuotaSignal([]byte(`{"error":{"type":"quota_exceeded","message":"quota exhausted"}}`)) {
		t.Error("expected quota signal to be detected")
	}
	if HasQuotaSignal([]byte(`{"error":{"type":"server_error","message":"boom"}}`)) {
		t.Error("expected no quota signal")
	}
	if !HasQuotaSignal([]byte("plain text mentioning quota here")) {
		t.Error("expected raw-body fallback to find quota substring")
	}
}
