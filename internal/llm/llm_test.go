package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/types"
)

func TestNewFromConfig(t *testing.T) {
	s, err := NewFromConfig(config.LLMSettings{Enabled: false})
	if err != nil {
		t.Fatalf("disabled config rejected: %v", err)
	}
	if _, ok := s.(scaffold); !ok {
		t.Errorf("disabled config built %T, want scaffold", s)
	}

	if _, err := NewFromConfig(config.LLMSettings{Enabled: true, Provider: "openai"}); err != nil {
		t.Errorf("openai provider rejected: %v", err)
	}
	if _, err := NewFromConfig(config.LLMSettings{Enabled: true, Provider: "mystery"}); types.KindOf(err) != types.KindInvalidInput {
		t.Errorf("unknown provider error = %v, want INVALID_INPUT", err)
	}
}

func TestScaffoldSummarize(t *testing.T) {
	out, err := scaffold{}.Summarize(context.Background(), Input{
		Title:     "A Video",
		SourceURL: "https://example.com/v",
		Text:      "raw transcript",
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, want := range []string{"# A Video", "https://example.com/v", "raw transcript"} {
		if !strings.Contains(out, want) {
			t.Errorf("scaffold output missing %q:\n%s", want, out)
		}
	}

	if _, err := (scaffold{}).Complete(context.Background(), "s", "u"); types.KindOf(err) != types.KindDependencyMissing {
		t.Errorf("Complete error = %v, want DEPENDENCY_MISSING", err)
	}
}

func newTestClient(baseURL string) *openAIClient {
	c := newOpenAIClient(config.LLMSettings{
		Enabled:        true,
		Provider:       "openai",
		Model:          "test-model",
		BaseURL:        baseURL,
		APIKey:         "sk-test",
		TimeoutSeconds: 5,
	})
	return c
}

func completionResponse(content string) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(raw)
}

func TestOpenAIComplete(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(completionResponse("the summary")))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "the summary" {
		t.Errorf("Complete = %q", out)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestOpenAIStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   types.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, types.KindAuthExpired},
		{"forbidden", http.StatusForbidden, types.KindAuthExpired},
		{"rate limited", http.StatusTooManyRequests, types.KindRateLimited},
		{"client error", http.StatusBadRequest, types.KindUpstreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Complete(context.Background(), "s", "u")
			if types.KindOf(err) != tt.want {
				t.Errorf("error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestOpenAIRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "s", "u")
	meta := types.MetaOf(err)
	if meta == nil || meta["retry_after_seconds"] != 17 {
		t.Errorf("retry_after_seconds meta = %v", meta)
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(completionResponse("recovered")))
	}))
	defer srv.Close()

	start := time.Now()
	out, err := newTestClient(srv.URL).Complete(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "recovered" {
		t.Errorf("Complete = %q", out)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	// Two backoffs: 1s + 2s.
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("retries returned too fast (%v); backoff not applied", elapsed)
	}
}

func TestOpenAIExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "s", "u")
	if types.KindOf(err) != types.KindUpstreamError {
		t.Errorf("error = %v, want UPSTREAM_ERROR", err)
	}
	if calls.Load() != int32(openAIMaxRetries+1) {
		t.Errorf("calls = %d, want %d", calls.Load(), openAIMaxRetries+1)
	}
}

func TestOpenAIRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway page</html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "s", "u")
	if types.KindOf(err) != types.KindUpstreamError {
		t.Errorf("error = %v, want UPSTREAM_ERROR", err)
	}
}
