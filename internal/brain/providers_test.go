package brain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalProviderChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"content": "привет"},
			"prompt_eval_count": 12,
			"eval_count":        7,
		})
	}))
	defer srv.Close()

	p := NewLocalProvider(srv.URL, t.TempDir(), 5*time.Second, quietLogger())
	res, err := p.Invoke(context.Background(), &Invocation{
		Model:    "qwen2.5:7b-instruct",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Text != "привет" || res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 7 {
		t.Fatalf("res = %+v", res)
	}
}

func TestLocalProviderFallbackLadder(t *testing.T) {
	var chatCalls, genCalls int
	var chatFormats []bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			chatCalls++
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			_, hasFormat := body["format"]
			chatFormats = append(chatFormats, hasFormat)
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/api/generate":
			genCalls++
			json.NewEncoder(w).Encode(map[string]any{"response": "из generate"})
		}
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	p := NewLocalProvider(srv.URL, dataDir, 5*time.Second, quietLogger())
	res, err := p.Invoke(context.Background(), &Invocation{
		Model:    "m",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Text != "из generate" {
		t.Fatalf("text = %q", res.Text)
	}
	if chatCalls != 2 || genCalls != 1 {
		t.Fatalf("chat=%d gen=%d", chatCalls, genCalls)
	}

	// Failure artifacts for both chat attempts.
	entries, err := os.ReadDir(filepath.Join(dataDir, "artifacts", "local_llm_failures"))
	if err != nil {
		t.Fatalf("artifact dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(entries))
	}
}

func TestLocalProviderSchemaStopsAtSimplified(t *testing.T) {
	var chatCalls, genCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/generate" {
			genCalls++
		} else {
			chatCalls++
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewLocalProvider(srv.URL, t.TempDir(), 5*time.Second, quietLogger())
	_, err := p.Invoke(context.Background(), &Invocation{
		Model:      "m",
		Messages:   []Message{{Role: "user", Content: "hi"}},
		JSONSchema: json.RawMessage(`{"type":"object"}`),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if chatCalls != 2 || genCalls != 0 {
		t.Fatalf("chat=%d gen=%d: schema request must not fall back to generate", chatCalls, genCalls)
	}
}

func TestLocalProviderClientErrorSkipsLadder(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewLocalProvider(srv.URL, t.TempDir(), 5*time.Second, quietLogger())
	_, err := p.Invoke(context.Background(), &Invocation{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d: only 5xx retries with a simplified payload", calls)
	}
}

func TestLocalProviderModelNotFoundHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `model "x" not found`, http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewLocalProvider(srv.URL, t.TempDir(), 5*time.Second, quietLogger())
	_, err := p.Invoke(context.Background(), &Invocation{Model: "x", Messages: []Message{{Role: "user", Content: "hi"}}})
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %v", err)
	}
	if be.Hint != ErrModelNotFound {
		t.Fatalf("hint = %q", be.Hint)
	}
	if be.ArtifactPath == "" || !strings.Contains(be.ArtifactPath, "local_llm_failures") {
		t.Fatalf("artifact path = %q", be.ArtifactPath)
	}
}

func TestLocalProviderArtifactIsRedacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	p := NewLocalProvider(srv.URL, dataDir, 5*time.Second, quietLogger())
	p.Invoke(context.Background(), &Invocation{
		Model:      "m",
		Messages:   []Message{{Role: "user", Content: "token=supersecret123"}},
		JSONSchema: json.RawMessage(`{"type":"object"}`),
	})

	dir := filepath.Join(dataDir, "artifacts", "local_llm_failures")
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("no artifacts: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if strings.Contains(string(data), "supersecret123") {
		t.Fatalf("secret leaked into artifact: %s", data)
	}
}

func TestCloudProviderMissingAPIKey(t *testing.T) {
	p := NewCloudProvider("https://api.example.com/v1", "", 2, time.Millisecond, time.Second, quietLogger())
	_, err := p.Invoke(context.Background(), &Invocation{Model: "m"})
	if ErrorType(err) != ErrMissingAPIKey {
		t.Fatalf("error type = %s", ErrorType(err))
	}
}

func TestCloudProviderRetriesOn429(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "готово"}}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	p := NewCloudProvider(srv.URL, "key", 2, time.Millisecond, time.Second, quietLogger())
	res, err := p.Invoke(context.Background(), &Invocation{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Text != "готово" || res.Retries != 1 {
		t.Fatalf("res = %+v", res)
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestCloudProviderDoesNotRetry400(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewCloudProvider(srv.URL, "key", 3, time.Millisecond, time.Second, quietLogger())
	_, err := p.Invoke(context.Background(), &Invocation{Model: "m"})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if ErrorType(err) != ErrHTTP {
		t.Fatalf("error type = %s", ErrorType(err))
	}
}

func TestCloudProviderGivesUpAfterMaxRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewCloudProvider(srv.URL, "key", 2, time.Millisecond, time.Second, quietLogger())
	_, err := p.Invoke(context.Background(), &Invocation{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 { // initial attempt + 2 retries
		t.Fatalf("calls = %d", calls)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	for in, want := range map[string]string{
		"https://api.openai.com/v1":                  "https://api.openai.com/v1",
		"https://api.openai.com/v1/":                 "https://api.openai.com/v1",
		"https://api.openai.com/v1/chat/completions": "https://api.openai.com/v1",
	} {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q) = %q", in, got)
		}
	}
}

func TestFlattenMessages(t *testing.T) {
	got := flattenMessages([]Message{
		{Role: "system", Content: "s"},
		{Role: "user", Content: "u"},
	})
	if !strings.HasPrefix(got, "System:\ns\n\n") || !strings.Contains(got, "User:\nu\n\n") || !strings.HasSuffix(got, "Assistant:") {
		t.Fatalf("flattened = %q", got)
	}
}
