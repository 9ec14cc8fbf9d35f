package forge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server, apiKey string) *GeminiClient {
	c := NewGeminiClient(apiKey, srv.URL, "test-model", 5*time.Second)
	c.initialDelay = time.Millisecond
	return c
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/models/test-model:generateContent" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("Expected API key in query, got %q", r.URL.Query().Get("key"))
		}

		var req geminiRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "hello" {
			t.Errorf("Unexpected request %s", body)
		}

		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"  1. Act\n"}]}}]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv, "secret").Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "1. Act" {
		t.Errorf("Expected trimmed text, got %q", got)
	}
}

func TestGenerateRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv, "k").Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "ok" || calls.Load() != 3 {
		t.Errorf("Expected success on third call, got %q after %d calls", got, calls.Load())
	}
}

func TestGenerateClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "k").Generate(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("Expected API error message, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected no retries on 400, got %d calls", calls.Load())
	}
}

func TestGenerateNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv, "k").Generate(context.Background(), "p"); err == nil {
		t.Error("Expected an error for an empty candidate list")
	}
}

func TestGenerateNoAPIKey(t *testing.T) {
	c := NewGeminiClient("", "", "", time.Second)
	if _, err := c.Generate(context.Background(), "p"); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
}

func TestForgePrompt(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		got := ForgePrompt("", "Focus")
		if !strings.Contains(got, `"Focus"`) || !strings.Contains(got, "three concrete action items") {
			t.Errorf("Unexpected default prompt %q", got)
		}
	})

	t.Run("template", func(t *testing.T) {
		got := ForgePrompt("Tweet this: {{GEM_CONTENT}} ({{GEM_CONTENT}})", "Focus")
		if got != "Tweet this: Focus ({{GEM_CONTENT}})" {
			t.Errorf("Expected first placeholder replaced, got %q", got)
		}
	})

	t.Run("template without placeholder", func(t *testing.T) {
		if got := ForgePrompt("Summarise", "Focus"); got != "Summarise" {
			t.Errorf("Expected template unchanged, got %q", got)
		}
	})
}

func TestSynthesisPrompt(t *testing.T) {
	got := SynthesisPrompt("Deep Work", "Focus", "Atomic Habits", "Systems")
	for _, want := range []string{`"Deep Work": Focus`, `"Atomic Habits": Systems`} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in %q", want, got)
		}
	}
}

func TestRenderMarkdown(t *testing.T) {
	got, err := RenderMarkdown("1. First\n2. Second\n\nline one\nline two <script>x</script>")
	if err != nil {
		t.Fatalf("RenderMarkdown: %v", err)
	}
	html := string(got)
	if !strings.Contains(html, "<ol>") || !strings.Contains(html, "<li>First</li>") {
		t.Errorf("Expected an ordered list, got %s", html)
	}
	if !strings.Contains(html, "line one<br") {
		t.Errorf("Expected hard line breaks, got %s", html)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("Expected raw HTML to be dropped, got %s", html)
	}
}
