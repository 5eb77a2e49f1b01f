package xiaohongshu

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/asr"
	"github.com/untoldecay/midas/internal/audiofetch"
	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/llm"
	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/types"
)

var noteIDPattern = regexp.MustCompile(`[0-9a-f]{24}`)

// ExtractNoteID pulls the platform note id out of an explore/item URL or a
// raw id. Returns INVALID_INPUT when none is present.
func ExtractNoteID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", types.E(types.KindInvalidInput, "empty note reference")
	}
	if id := noteIDPattern.FindString(input); id != "" {
		return id, nil
	}
	return "", types.E(types.KindInvalidInput, "no note id found in %q", input)
}

// NoteURL builds the canonical explore URL for a note id.
func NoteURL(noteID string) string {
	return "https://www.xiaohongshu.com/explore/" + noteID
}

// Client is the slice of the fetcher the pipeline needs.
type Client interface {
	FetchList(ctx context.Context, cursor string, limit int) (*ListPage, error)
	FetchDetail(ctx context.Context, noteID string) (*Detail, error)
}

// AudioFetcher is the slice of the audio downloader the video branch needs.
type AudioFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*audiofetch.Result, error)
	Cleanup(path string)
}

// Pipeline drives single-URL summaries and the collection sync loop.
type Pipeline struct {
	fetcher    Client
	store      storage.Store
	audio      AudioFetcher
	engine     asr.Engine
	summarizer llm.Summarizer
	settings   func() config.XiaohongshuSettings
	logger     *zap.Logger

	// sleep is swapped by tests to skip real jitter delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(fetcher Client, store storage.Store, audio AudioFetcher,
	engine asr.Engine, summarizer llm.Summarizer,
	settings func() config.XiaohongshuSettings, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		fetcher:    fetcher,
		store:      store,
		audio:      audio,
		engine:     engine,
		summarizer: summarizer,
		settings:   settings,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// SummarizeURL runs the synchronous single-URL path. On success the note id
// is added to the dedupe set and the artifact returned unsaved.
func (p *Pipeline) SummarizeURL(ctx context.Context, rawURL string) (*types.SummaryArtifact, error) {
	noteID, err := ExtractNoteID(rawURL)
	if err != nil {
		return nil, err
	}

	if p.settings().WebReadonly.DetailFetchMode == "never" {
		return nil, types.E(types.KindInvalidInput,
			"detail_fetch_mode is \"never\"; a single-URL summary needs the note detail")
	}

	// The dedupe set gates re-summarizing until the entry is pruned.
	seen, err := p.store.Seen(ctx, types.SourceXiaohongshu, noteID)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, types.E(types.KindInvalidInput,
			"note %s was already summarized; prune unsaved entries to redo it", noteID).
			WithMeta("reason", "already_seen").
			WithMeta("note_id", noteID)
	}

	detail, err := p.fetcher.FetchDetail(ctx, noteID)
	if err != nil {
		return nil, err
	}

	artifact, err := p.summarizeDetail(ctx, detail)
	if err != nil {
		return nil, err
	}
	if err := p.store.MarkSeen(ctx, types.SourceXiaohongshu, noteID); err != nil {
		return nil, err
	}
	return artifact, nil
}

// summarizeDetail turns one note detail into an artifact. Video notes route
// the media URL through the audio fetcher and ASR, and the transcript is
// merged with the caption text before summarization.
func (p *Pipeline) summarizeDetail(ctx context.Context, detail *Detail) (*types.SummaryArtifact, error) {
	text := strings.TrimSpace(detail.Desc)
	meta := map[string]interface{}{
		"image_count": len(detail.ImageURLs),
		"has_video":   detail.VideoURL != "",
	}
	if !detail.PublishedAt.IsZero() {
		meta["published_at"] = detail.PublishedAt.Format(time.RFC3339)
	}

	if detail.VideoURL != "" {
		audio, err := p.audio.Fetch(ctx, detail.VideoURL)
		if err != nil {
			return nil, err
		}
		defer p.audio.Cleanup(audio.Path)

		transcript, err := p.engine.Transcribe(ctx, audio.Path)
		if err != nil {
			return nil, err
		}
		meta["transcript_chars"] = transcript.CharCount
		if text == "" {
			text = transcript.Text
		} else {
			text = text + "\n\n## Transcript\n\n" + transcript.Text
		}
	}

	if text == "" && len(detail.ImageURLs) == 0 {
		return nil, types.E(types.KindInvalidInput, "note %s has no content to summarize", detail.NoteID).
			WithMeta("reason", "empty_content")
	}
	if text == "" {
		// Image-only note: summarize what we can name.
		text = fmt.Sprintf("Image post with %d images, no caption.", len(detail.ImageURLs))
	}

	title := detail.Title
	if title == "" {
		title = detail.NoteID
	}
	summary, err := p.summarizer.Summarize(ctx, llm.Input{
		Title:     title,
		SourceURL: NoteURL(detail.NoteID),
		Text:      text,
	})
	if err != nil {
		return nil, err
	}

	return &types.SummaryArtifact{
		Source:          types.SourceXiaohongshu,
		SourceID:        detail.NoteID,
		SourceURL:       NoteURL(detail.NoteID),
		Title:           title,
		SummaryMarkdown: summary,
		Metadata:        meta,
	}, nil
}

// SyncCollection paginates the favorite collection until requestedLimit new
// notes are summarized or the collection is exhausted. Per-item errors feed
// the counters and the breaker but never fail the sync; the breaker is a
// soft stop reported through CircuitOpened.
func (p *Pipeline) SyncCollection(ctx context.Context, requestedLimit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
	cfg := p.settings()
	if cfg.WebReadonly.DetailFetchMode == "never" {
		return nil, types.E(types.KindInvalidInput,
			"detail_fetch_mode is \"never\"; the collection sync needs note details")
	}
	limit := clampLimit(requestedLimit, cfg.DefaultLimit, cfg.MaxLimit)
	result := &types.SyncResult{RequestedLimit: limit, Summaries: []types.SummaryArtifact{}}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "xhs-collection-sync",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreakerFailures)
		},
		// Client-side rejections count against the result but not the
		// breaker; the breaker watches the upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || types.KindOf(err) == types.KindInvalidInput
		},
	})

	cursor := ""
	for result.NewCount < limit {
		page, err := p.fetcher.FetchList(ctx, cursor, cfg.DefaultLimit)
		if err != nil {
			return result, err
		}

		for _, item := range page.Items {
			if result.NewCount >= limit {
				break
			}
			result.FetchedCount++

			seen, err := p.store.Seen(ctx, types.SourceXiaohongshu, item.NoteID)
			if err != nil {
				return result, err
			}
			if seen {
				result.SkippedCount++
				continue
			}

			if err := p.jitter(ctx); err != nil {
				return result, err
			}

			artifact, err := p.syncOne(ctx, breaker, item.NoteID)
			if err != nil {
				result.FailedCount++
				p.logger.Warn("sync candidate failed",
					zap.String("note_id", item.NoteID),
					zap.String("code", string(types.KindOf(err))),
					zap.Error(err))
				if breaker.State() == gobreaker.StateOpen {
					result.CircuitOpened = true
					p.logger.Warn("circuit opened, stopping sync early",
						zap.Int("failed_count", result.FailedCount))
					return result, nil
				}
				continue
			}

			result.NewCount++
			result.Summaries = append(result.Summaries, *artifact)
			if progress != nil {
				progress(types.ProgressEvent{
					Current: result.NewCount,
					Total:   limit,
					Message: fmt.Sprintf("summarized %s", artifact.Title),
				})
			}
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return result, nil
}

func (p *Pipeline) syncOne(ctx context.Context, breaker *gobreaker.CircuitBreaker, noteID string) (*types.SummaryArtifact, error) {
	out, err := breaker.Execute(func() (interface{}, error) {
		detail, err := p.fetcher.FetchDetail(ctx, noteID)
		if err != nil {
			return nil, err
		}
		artifact, err := p.summarizeDetail(ctx, detail)
		if err != nil {
			return nil, err
		}
		if err := p.store.MarkSeen(ctx, types.SourceXiaohongshu, noteID); err != nil {
			return nil, err
		}
		return artifact, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.SummaryArtifact), nil
}

// jitter sleeps a uniformly random interval in the configured range.
func (p *Pipeline) jitter(ctx context.Context) error {
	cfg := p.settings()
	lo, hi := cfg.RandomDelayMinSeconds, cfg.RandomDelayMaxSeconds
	if hi <= 0 || hi < lo {
		return nil
	}
	d := time.Duration((lo + rand.Float64()*(hi-lo)) * float64(time.Second))
	if d <= 0 {
		return nil
	}
	return p.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func clampLimit(requested, def, max int) int {
	limit := requested
	if limit <= 0 {
		limit = def
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}
