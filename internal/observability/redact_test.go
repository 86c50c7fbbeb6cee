package observability

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestRedactJSONTopLevelKey(t *testing.T) {
	body := []byte(`{"apiKey":"sk-test-123","model":"claude-haiku"}`)

	redacted := RedactJSON(body)

	var doc map[string]interface{}
	if err := json.Unmarshal(redacted, &doc); err != nil {
		t.Fatalf("expected valid JSON back, got error: %v", err)
	}
	if doc["apiKey"] != redactedValue {
		t.Fatalf("expected apiKey to be redacted, got %v", doc["apiKey"])
	}
	if doc["model"] != "claude-haiku" {
		t.Fatalf("expected model to survive unredacted, got %v", doc["model"])
	}
}

func TestRedactJSONNestedAndArray(t *testing.T) {
	body := []byte(`{
		"headers": {"Authorization": "Bearer xyz", "Content-Type": "application/json"},
		"messages": [{"role": "user", "access_token": "abc"}]
	}`)

	redacted := RedactJSON(body)

	var doc map[string]interface{}
	if err := json.Unmarshal(redacted, &doc); err != nil {
		t.Fatalf("expected valid JSON back, got error: %v", err)
	}

	headers := doc["headers"].(map[string]interface{})
	if headers["Authorization"] != redactedValue {
		t.Fatalf("expected nested Authorization to be redacted, got %v", headers["Authorization"])
	}
	if headers["Content-Type"] != "application/json" {
		t.Fatalf("expected Content-Type to survive unredacted, got %v", headers["Content-Type"])
	}

	messages := doc["messages"].([]interface{})
	msg := messages[0].(map[string]interface{})
	if msg["access_token"] != redactedValue {
		t.Fatalf("expected access_token inside array element to be redacted, got %v", msg["access_token"])
	}
}

func TestRedactJSONInvalidBodyUnchanged(t *testing.T) {
	body := []byte("not json at all")
	redacted := RedactJSON(body)
	if string(redacted) != string(body) {
		t.Fatalf("expected invalid JSON to pass through unchanged, got %s", redacted)
	}
}

func TestRedactJSONEmptyBody(t *testing.T) {
	if got := RedactJSON(nil); got != nil {
		t.Fatalf("expected nil body to pass through as nil, got %v", got)
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret-token")
	h.Set("X-Request-Id", "req-1")

	redacted := RedactHeaders(h)

	if redacted.Get("Authorization") != redactedValue {
		t.Fatalf("expected Authorization header to be redacted, got %s", redacted.Get("Authorization"))
	}
	if redacted.Get("X-Request-Id") != "req-1" {
		t.Fatalf("expected X-Request-Id to survive unredacted, got %s", redacted.Get("X-Request-Id"))
	}

	// original header map must not be mutated
	if h.Get("Authorization") != "Bearer secret-token" {
		t.Fatalf("expected original header map to be left untouched, got %s", h.Get("Authorization"))
	}
}

func TestIsSensitiveKeyCaseInsensitive(t *testing.T) {
	cases := []string{"apiKey", "API_KEY", "AccessToken", "AUTHORIZATION", "Secret", "password"}
	for _, key := range cases {
		if !isSensitiveKey(key) {
			t.Errorf("expected %q to be classified sensitive", key)
		}
	}
	if isSensitiveKey("model") {
		t.Error("expected model to not be classified sensitive")
	}
}
