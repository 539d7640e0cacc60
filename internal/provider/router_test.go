package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mel/internal/config"
)

// routerWithLocal builds a router whose primary is the local provider
// pointed at the given test server.
func routerWithLocal(t *testing.T, endpoint string) *Router {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	return NewRouter(&config.UserConfig{Provider: "local", LocalEndpoint: endpoint})
}

func TestRouter_RoutesToPrimary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"pong"},"done":true}`))
	}))
	defer server.Close()

	router := routerWithLocal(t, server.URL)
	if router.ActiveProvider() != ProviderLocal {
		t.Fatalf("expected local primary, got %s", router.ActiveProvider())
	}

	got, err := router.Complete(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "pong" {
		t.Errorf("unexpected completion: %q", got)
	}
}

func TestRouter_FallsBackOnFailure(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	// Primary (anthropic) always fails; fallback local succeeds.
	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badServer.Close()

	goodServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"from fallback"},"done":true}`))
	}))
	defer goodServer.Close()

	cfg := &config.UserConfig{
		Provider:          "anthropic",
		AnthropicAPIKey:   "sk-test",
		LocalEndpoint:     goodServer.URL,
		FallbackProviders: []string{"local"},
	}
	router := NewRouter(cfg)

	// Point the cached anthropic client at the failing server.
	router.mu.Lock()
	router.clients[ProviderAnthropic] = NewAnthropicClientWithConfig(AnthropicConfig{
		APIKey:  "sk-test",
		BaseURL: badServer.URL,
		Model:   "claude-sonnet-4-20250514",
		Timeout: 2 * time.Second,
	})
	router.mu.Unlock()

	got, err := router.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if got != "from fallback" {
		t.Errorf("unexpected completion: %q", got)
	}
}

func TestRouter_AllProvidersFail(t *testing.T) {
	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badServer.Close()

	router := routerWithLocal(t, badServer.URL)
	_, err := router.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !strings.Contains(err.Error(), "all providers failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRouter_SkipsKeylessFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	goodServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true}`))
	}))
	defer goodServer.Close()

	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badServer.Close()

	// openai is listed as a fallback but has no key; router must skip it
	// rather than send a keyless request.
	cfg := &config.UserConfig{
		Provider:          "local",
		LocalEndpoint:     badServer.URL,
		FallbackProviders: []string{"openai"},
	}
	router := NewRouter(cfg)

	_, err := router.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected failure with no usable fallback")
	}
}

func TestRouter_DeduplicatesInFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"message":{"role":"assistant","content":"shared"},"done":true}`))
	}))
	defer server.Close()

	router := routerWithLocal(t, server.URL)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := router.Complete(context.Background(), "same prompt")
			if err != nil {
				t.Errorf("Complete failed: %v", err)
				return
			}
			results[i] = got
		}(i)
	}

	// Give the goroutines time to pile up on the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 upstream call for identical prompts, got %d", n)
	}
	for i, got := range results {
		if got != "shared" {
			t.Errorf("result[%d] = %q, want %q", i, got, "shared")
		}
	}
}

func TestRouter_ContextCancelDoesNotFallBack(t *testing.T) {
	slowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client going away;
		// the request context only fires once the read side is live.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer slowServer.Close()

	router := routerWithLocal(t, slowServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := router.Complete(ctx, "slow")
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
