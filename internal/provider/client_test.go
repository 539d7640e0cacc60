package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProviderValid(t *testing.T) {
	tests := []struct {
		p    Provider
		want bool
	}{
		{ProviderOpenAI, true},
		{ProviderAnthropic, true},
		{ProviderGoogle, true},
		{ProviderLocal, true},
		{Provider("azure"), false},
		{Provider(""), false},
	}
	for _, tt := range tests {
		if got := tt.p.Valid(); got != tt.want {
			t.Errorf("Provider(%q).Valid() = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestProviderRequiresKey(t *testing.T) {
	if ProviderLocal.RequiresKey() {
		t.Error("local provider should not require a key")
	}
	if !ProviderOpenAI.RequiresKey() {
		t.Error("openai provider should require a key")
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected Authorization header: %s", auth)
		}

		var req OpenAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system+user messages, got %+v", req.Messages)
		}

		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"use a sync.Once here"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Model:   "gpt-4o",
		Timeout: 5 * time.Second,
	})

	got, err := client.CompleteWithSystem(context.Background(), "be terse", "how do I init once?")
	if err != nil {
		t.Fatalf("CompleteWithSystem failed: %v", err)
	}
	if got != "use a sync.Once here" {
		t.Errorf("unexpected completion: %q", got)
	}
}

func TestOpenAIClient_NoKey(t *testing.T) {
	client := NewOpenAIClient("")
	_, err := client.Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), ErrNoAPIKey.Error()) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestOpenAIClient_RetryOn429(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Model:   "gpt-4o",
		Timeout: 5 * time.Second,
	})

	got, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got != "ok" {
		t.Errorf("unexpected completion: %q", got)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (429 then 200), got %d", calls)
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if key := r.Header.Get("x-api-key"); key != "sk-ant" {
			t.Errorf("unexpected x-api-key: %s", key)
		}
		if v := r.Header.Get("anthropic-version"); v == "" {
			t.Error("missing anthropic-version header")
		}

		w.Write([]byte(`{"content":[{"type":"text","text":"prefer errors.Is"},{"type":"text","text":" over =="}]}`))
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig(AnthropicConfig{
		APIKey:  "sk-ant",
		BaseURL: server.URL,
		Model:   "claude-sonnet-4-20250514",
		Timeout: 5 * time.Second,
	})

	got, err := client.Complete(context.Background(), "error comparison?")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "prefer errors.Is over ==" {
		t.Errorf("expected concatenated text parts, got %q", got)
	}
}

func TestGoogleClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if key := r.URL.Query().Get("key"); key != "g-key" {
			t.Errorf("unexpected key param: %s", key)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"use table tests"}],"role":"model"},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	client := NewGoogleClientWithConfig(GoogleConfig{
		APIKey:  "g-key",
		BaseURL: server.URL,
		Model:   "gemini-2.5-flash",
		Timeout: 5 * time.Second,
	})

	got, err := client.Complete(context.Background(), "testing style?")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "use table tests" {
		t.Errorf("unexpected completion: %q", got)
	}
}

func TestLocalClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req localChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		w.Write([]byte(`{"model":"qwen2.5-coder","message":{"role":"assistant","content":"defer f.Close()"},"done":true}`))
	}))
	defer server.Close()

	client := NewLocalClient(server.URL)
	got, err := client.Complete(context.Background(), "file cleanup?")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "defer f.Close()" {
		t.Errorf("unexpected completion: %q", got)
	}
}

func TestLocalClient_Unreachable(t *testing.T) {
	client := NewLocalClientWithConfig(LocalConfig{
		Endpoint: "http://127.0.0.1:1",
		Model:    "qwen2.5-coder",
		Timeout:  500 * time.Millisecond,
	})
	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("expected unreachable error, got %v", err)
	}
}
