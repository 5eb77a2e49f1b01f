// Package llm turns transcripts and page text into markdown summaries.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/types"
)

// Input is the material a summary is built from.
type Input struct {
	Title     string
	SourceURL string
	Text      string // transcript or page body
	Language  string // detected language hint, may be empty
}

// Summarizer produces markdown summaries and raw completions.
type Summarizer interface {
	// Summarize returns a markdown summary of the input.
	Summarize(ctx context.Context, in Input) (string, error)
	// Complete sends a raw prompt pair and returns the model's text. Used
	// by callers that need structured output, e.g. merge previews.
	Complete(ctx context.Context, system, user string) (string, error)
}

// NewFromConfig builds the summarizer named by llm.provider. When llm.enabled
// is false the scaffold summarizer is returned and no network is touched.
func NewFromConfig(cfg config.LLMSettings) (Summarizer, error) {
	if !cfg.Enabled {
		return scaffold{}, nil
	}
	switch cfg.Provider {
	case "openai":
		return newOpenAIClient(cfg), nil
	case "anthropic":
		return newAnthropicClient(cfg)
	default:
		return nil, types.E(types.KindInvalidInput, "unknown llm.provider %q", cfg.Provider)
	}
}

// scaffold wraps the raw text in a minimal markdown shell so the rest of the
// pipeline behaves identically with the model turned off.
type scaffold struct{}

func (scaffold) Summarize(_ context.Context, in Input) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Title)
	if in.SourceURL != "" {
		fmt.Fprintf(&b, "> %s\n\n", in.SourceURL)
	}
	b.WriteString("## Transcript\n\n")
	b.WriteString(strings.TrimSpace(in.Text))
	b.WriteString("\n")
	return b.String(), nil
}

func (scaffold) Complete(context.Context, string, string) (string, error) {
	return "", types.E(types.KindDependencyMissing, "llm is disabled (llm.enabled: false)")
}

const summarizeSystemPrompt = `You summarize transcribed videos and social posts into personal study notes. Write in the language of the source material. Output markdown only, no preamble.`

func summarizePrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Summarize the following content as a markdown note with sections for key points, notable details, and takeaways.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	if in.SourceURL != "" {
		fmt.Fprintf(&b, "URL: %s\n", in.SourceURL)
	}
	if in.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", in.Language)
	}
	b.WriteString("\nContent:\n")
	b.WriteString(in.Text)
	return b.String()
}
