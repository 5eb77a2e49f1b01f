package llm

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/types"
)

const (
	anthropicMaxRetries     = 2
	anthropicInitialBackoff = 1 * time.Second
)

// anthropicClient summarizes through the Anthropic messages API.
type anthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

func newAnthropicClient(cfg config.LLMSettings) (*anthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, types.E(types.KindAuthExpired, "llm.api_key is required for the anthropic provider")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(cfg.Model),
	}, nil
}

func (c *anthropicClient) Summarize(ctx context.Context, in Input) (string, error) {
	return c.Complete(ctx, summarizeSystemPrompt, summarizePrompt(in))
}

func (c *anthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := anthropicInitialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", types.E(types.KindUpstreamError, "llm response has no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", types.E(types.KindUpstreamError,
					"llm response is not a text block (type=%s)", content.Type)
			}
			return content.Text, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if kindErr := classifyAnthropicError(err); kindErr != nil {
			return "", kindErr
		}
		if !isRetryableAnthropic(err) {
			return "", types.Wrap(types.KindUpstreamError, err, "llm request failed")
		}
	}

	return "", types.Wrap(types.KindUpstreamError, lastErr, "llm unreachable after retries")
}

// classifyAnthropicError maps terminal API statuses to their error kind.
// Retryable statuses return nil so the caller keeps trying.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return nil
	}
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return types.E(types.KindAuthExpired, "llm rejected credentials (status %d)", apiErr.StatusCode)
	case apiErr.StatusCode == 429:
		return types.E(types.KindRateLimited, "llm rate limited")
	case apiErr.StatusCode >= 500:
		return nil
	default:
		return types.Wrap(types.KindUpstreamError, err, "llm request rejected")
	}
}

func isRetryableAnthropic(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true // plain transport errors
}
