package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/types"
)

const (
	openAIMaxRetries = 2
	openAIRetryDelay = 1 * time.Second
)

// openAIClient speaks the chat-completions wire format, which most local and
// hosted gateways accept. Only transport failures and 5xx responses are
// retried; auth and rate-limit responses surface immediately with their kind.
type openAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func newOpenAIClient(cfg config.LLMSettings) *openAIClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &openAIClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

func (c *openAIClient) Summarize(ctx context.Context, in Input) (string, error) {
	return c.Complete(ctx, summarizeSystemPrompt, summarizePrompt(in))
}

func (c *openAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= openAIMaxRetries; attempt++ {
		if attempt > 0 {
			delay := openAIRetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST",
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("creating completion request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("completion request failed (attempt %d/%d): %w",
				attempt+1, openAIMaxRetries+1, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading completion response (attempt %d/%d): %w",
				attempt+1, openAIMaxRetries+1, err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return "", types.E(types.KindAuthExpired, "llm rejected credentials (status %d)", resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			e := types.E(types.KindRateLimited, "llm rate limited")
			if secs := retryAfterSeconds(resp); secs > 0 {
				e = e.WithMeta("retry_after_seconds", secs)
			}
			return "", e
		case resp.StatusCode >= 500:
			lastErr = types.E(types.KindUpstreamError, "llm returned status %d: %s",
				resp.StatusCode, truncate(string(respBody), 200))
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return "", types.E(types.KindUpstreamError, "llm returned status %d: %s",
				resp.StatusCode, truncate(string(respBody), 200))
		}

		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return "", types.E(types.KindUpstreamError, "llm response is not valid JSON: %s",
				truncate(string(respBody), 200))
		}
		if len(out.Choices) == 0 {
			return "", types.E(types.KindUpstreamError, "llm response has no choices")
		}
		return out.Choices[0].Message.Content, nil
	}

	return "", types.Wrap(types.KindUpstreamError, lastErr,
		fmt.Sprintf("llm unreachable after %d attempts", openAIMaxRetries+1))
}

func retryAfterSeconds(resp *http.Response) int {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
