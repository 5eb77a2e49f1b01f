// Package bilibili summarizes Bilibili videos: download audio, transcribe,
// summarize. The pipeline never saves; callers persist the artifact
// explicitly.
package bilibili

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/asr"
	"github.com/untoldecay/midas/internal/audiofetch"
	"github.com/untoldecay/midas/internal/llm"
	"github.com/untoldecay/midas/internal/types"
)

var bvidPattern = regexp.MustCompile(`BV[0-9A-Za-z]{10}`)

// ExtractBVID pulls the normalized BV id out of a full URL or a raw id.
// Returns INVALID_INPUT when no id is present.
func ExtractBVID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", types.E(types.KindInvalidInput, "empty video reference")
	}
	if id := bvidPattern.FindString(input); id != "" {
		return id, nil
	}
	return "", types.E(types.KindInvalidInput, "no BV id found in %q", input)
}

// CanonicalURL builds the watch URL for a BV id.
func CanonicalURL(bvid string) string {
	return "https://www.bilibili.com/video/" + bvid
}

// AudioFetcher is the slice of the audio downloader the pipeline needs.
type AudioFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*audiofetch.Result, error)
	Cleanup(path string)
}

// Pipeline orchestrates audio download, transcription and summarization.
type Pipeline struct {
	fetcher    AudioFetcher
	engine     asr.Engine
	summarizer llm.Summarizer
	maxVideo   time.Duration
	logger     *zap.Logger
}

// New wires a pipeline. maxVideoMinutes of zero disables the duration guard.
func New(fetcher AudioFetcher, engine asr.Engine, summarizer llm.Summarizer, maxVideoMinutes int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		fetcher:    fetcher,
		engine:     engine,
		summarizer: summarizer,
		maxVideo:   time.Duration(maxVideoMinutes) * time.Minute,
		logger:     logger,
	}
}

// Summarize runs the full pipeline for a URL or BV id. Step timings land in
// the artifact metadata as elapsed_ms alongside transcript_chars.
func (p *Pipeline) Summarize(ctx context.Context, input string) (*types.SummaryArtifact, error) {
	bvid, err := ExtractBVID(input)
	if err != nil {
		return nil, err
	}
	url := CanonicalURL(bvid)
	start := time.Now()

	fetchStart := time.Now()
	audio, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer p.fetcher.Cleanup(audio.Path)
	fetchMs := time.Since(fetchStart).Milliseconds()

	if p.maxVideo > 0 && audio.Duration > p.maxVideo {
		return nil, types.E(types.KindInvalidInput,
			"video runs %s, over the %s limit", audio.Duration.Round(time.Second), p.maxVideo)
	}

	asrStart := time.Now()
	transcript, err := p.engine.Transcribe(ctx, audio.Path)
	if err != nil {
		return nil, err
	}
	asrMs := time.Since(asrStart).Milliseconds()

	title := audio.Title
	if title == "" {
		title = bvid
	}

	llmStart := time.Now()
	summary, err := p.summarizer.Summarize(ctx, llm.Input{
		Title:     title,
		SourceURL: url,
		Text:      transcript.Text,
		Language:  transcript.LanguageDetected,
	})
	if err != nil {
		return nil, err
	}
	llmMs := time.Since(llmStart).Milliseconds()

	p.logger.Info("bilibili summarize finished",
		zap.String("bvid", bvid),
		zap.Int64("fetch_ms", fetchMs),
		zap.Int64("asr_ms", asrMs),
		zap.Int64("llm_ms", llmMs),
		zap.Int("transcript_chars", transcript.CharCount))

	return &types.SummaryArtifact{
		Source:          types.SourceBilibili,
		SourceID:        bvid,
		SourceURL:       url,
		Title:           title,
		SummaryMarkdown: summary,
		Metadata: map[string]interface{}{
			"elapsed_ms":       time.Since(start).Milliseconds(),
			"fetch_ms":         fetchMs,
			"asr_ms":           asrMs,
			"llm_ms":           llmMs,
			"transcript_chars": transcript.CharCount,
			"duration_seconds": int(audio.Duration.Seconds()),
			"language":         transcript.LanguageDetected,
		},
	}, nil
}
