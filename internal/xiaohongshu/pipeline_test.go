package xiaohongshu

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/audiofetch"
	"github.com/untoldecay/midas/internal/asr"
	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/llm"
	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/storage/sqlite"
	"github.com/untoldecay/midas/internal/types"
)

// fakeClient serves a fixed collection of note details, paged pageSize at a
// time. Details with a nil entry fail with failErr.
type fakeClient struct {
	order    []string
	details  map[string]*Detail
	pageSize int
	failErr  error
}

func (c *fakeClient) FetchList(ctx context.Context, cursor string, limit int) (*ListPage, error) {
	start := 0
	if cursor != "" {
		for i, id := range c.order {
			if id == cursor {
				start = i
				break
			}
		}
	}
	end := start + c.pageSize
	if end > len(c.order) {
		end = len(c.order)
	}

	page := &ListPage{HasMore: end < len(c.order)}
	for _, id := range c.order[start:end] {
		page.Items = append(page.Items, ListItem{NoteID: id, Title: "note " + id})
	}
	if page.HasMore {
		page.NextCursor = c.order[end]
	}
	return page, nil
}

func (c *fakeClient) FetchDetail(ctx context.Context, noteID string) (*Detail, error) {
	detail, ok := c.details[noteID]
	if !ok || detail == nil {
		if c.failErr != nil {
			return nil, c.failErr
		}
		return nil, types.E(types.KindUpstreamError, "note %s unavailable", noteID)
	}
	return detail, nil
}

type nopAudio struct{}

func (nopAudio) Fetch(ctx context.Context, rawURL string) (*audiofetch.Result, error) {
	return &audiofetch.Result{Path: "/scratch/fake.m4a", Duration: time.Minute}, nil
}

func (nopAudio) Cleanup(path string) {}

type fixedEngine struct{ text string }

func (e fixedEngine) Transcribe(ctx context.Context, path string) (*asr.Transcript, error) {
	return &asr.Transcript{Text: e.text, CharCount: len(e.text)}, nil
}

// noteIDs are 24 hex chars like the platform's.
func testNoteID(n byte) string {
	return "5f0a2c3d4e5f60718293a4b" + string('0'+n)
}

func textDetail(id, desc string) *Detail {
	return &Detail{NoteID: id, Title: "note " + id, Desc: desc}
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "midas.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestPipeline(t *testing.T, client Client, store storage.Store, cfg config.XiaohongshuSettings) *Pipeline {
	t.Helper()
	summarizer, err := llm.NewFromConfig(config.LLMSettings{Enabled: false})
	if err != nil {
		t.Fatalf("building summarizer: %v", err)
	}
	p := NewPipeline(client, store, nopAudio{}, fixedEngine{text: "spoken words"},
		summarizer, func() config.XiaohongshuSettings { return cfg }, zap.NewNop())
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func syncSettings(breakerFailures int) config.XiaohongshuSettings {
	return config.XiaohongshuSettings{
		CollectionID:           "col-1",
		DefaultLimit:           5,
		MaxLimit:               20,
		RandomDelayMinSeconds:  0.001,
		RandomDelayMaxSeconds:  0.002,
		CircuitBreakerFailures: breakerFailures,
		WebReadonly:            config.WebReadonlySettings{DetailFetchMode: "auto"},
	}
}

func TestExtractNoteID(t *testing.T) {
	id := testNoteID(1)
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{id, id, false},
		{"https://www.xiaohongshu.com/explore/" + id, id, false},
		{"https://www.xiaohongshu.com/discovery/item/" + id + "?xsec_token=x", id, false},
		{"", "", true},
		{"https://www.xiaohongshu.com/explore", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractNoteID(tt.input)
		if tt.wantErr {
			if types.KindOf(err) != types.KindInvalidInput {
				t.Errorf("ExtractNoteID(%q) error = %v, want INVALID_INPUT", tt.input, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ExtractNoteID(%q) = (%q, %v), want %q", tt.input, got, err, tt.want)
		}
	}
}

func TestSummarizeURLMarksSeen(t *testing.T) {
	id := testNoteID(1)
	client := &fakeClient{details: map[string]*Detail{id: textDetail(id, "a caption")}}
	store := newTestStore(t)
	p := newTestPipeline(t, client, store, syncSettings(3))

	artifact, err := p.SummarizeURL(context.Background(), "https://www.xiaohongshu.com/explore/"+id)
	if err != nil {
		t.Fatalf("SummarizeURL: %v", err)
	}
	if artifact.Source != types.SourceXiaohongshu || artifact.SourceID != id {
		t.Errorf("artifact identity = %s/%s", artifact.Source, artifact.SourceID)
	}

	seen, err := store.Seen(context.Background(), types.SourceXiaohongshu, id)
	if err != nil || !seen {
		t.Errorf("Seen = (%v, %v), want true", seen, err)
	}
	// Summarizing does not save; that is a separate explicit call.
	if _, err := store.GetNote(context.Background(), types.SourceXiaohongshu, artifact.SourceID); err == nil {
		t.Error("SummarizeURL saved the note implicitly")
	}
}

func TestSummarizeURLRejectsAlreadySeen(t *testing.T) {
	id := testNoteID(4)
	client := &fakeClient{details: map[string]*Detail{id: textDetail(id, "a caption")}}
	store := newTestStore(t)
	p := newTestPipeline(t, client, store, syncSettings(3))

	if err := store.MarkSeen(context.Background(), types.SourceXiaohongshu, id); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	_, err := p.SummarizeURL(context.Background(), NoteURL(id))
	if types.KindOf(err) != types.KindInvalidInput {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}
	if meta := types.MetaOf(err); meta["reason"] != "already_seen" {
		t.Errorf("meta = %v", meta)
	}

	// Pruning the unsaved entry makes the note summarizable again.
	if _, _, err := store.PruneUnsaved(context.Background(), types.SourceXiaohongshu); err != nil {
		t.Fatalf("PruneUnsaved: %v", err)
	}
	if _, err := p.SummarizeURL(context.Background(), NoteURL(id)); err != nil {
		t.Errorf("SummarizeURL after prune: %v", err)
	}
}

func TestSummarizeURLDetailFetchDisabled(t *testing.T) {
	cfg := syncSettings(3)
	cfg.WebReadonly.DetailFetchMode = "never"
	p := newTestPipeline(t, &fakeClient{}, newTestStore(t), cfg)

	_, err := p.SummarizeURL(context.Background(), testNoteID(1))
	if types.KindOf(err) != types.KindInvalidInput {
		t.Errorf("error = %v, want INVALID_INPUT", err)
	}
}

func TestSummarizeDetailVideoBranch(t *testing.T) {
	id := testNoteID(2)
	detail := textDetail(id, "a caption")
	detail.VideoURL = "https://video/master"
	p := newTestPipeline(t, &fakeClient{details: map[string]*Detail{id: detail}}, newTestStore(t), syncSettings(3))

	artifact, err := p.summarizeDetail(context.Background(), detail)
	if err != nil {
		t.Fatalf("summarizeDetail: %v", err)
	}
	if artifact.Metadata["has_video"] != true {
		t.Errorf("has_video = %v", artifact.Metadata["has_video"])
	}
	if artifact.Metadata["transcript_chars"] != len("spoken words") {
		t.Errorf("transcript_chars = %v", artifact.Metadata["transcript_chars"])
	}
}

func TestSummarizeDetailEmptyContent(t *testing.T) {
	id := testNoteID(3)
	p := newTestPipeline(t, &fakeClient{}, newTestStore(t), syncSettings(3))

	_, err := p.summarizeDetail(context.Background(), &Detail{NoteID: id})
	if types.KindOf(err) != types.KindInvalidInput {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}
	if meta := types.MetaOf(err); meta["reason"] != "empty_content" {
		t.Errorf("meta = %v", meta)
	}
}

func TestSyncCollectionCounts(t *testing.T) {
	// 7 notes, 3 already seen, limit 5: the 4 unseen all summarize.
	client := &fakeClient{pageSize: 3, details: map[string]*Detail{}}
	for n := byte(1); n <= 7; n++ {
		id := testNoteID(n)
		client.order = append(client.order, id)
		client.details[id] = textDetail(id, "caption")
	}
	store := newTestStore(t)
	for _, n := range []byte{2, 4, 6} {
		if err := store.MarkSeen(context.Background(), types.SourceXiaohongshu, testNoteID(n)); err != nil {
			t.Fatalf("MarkSeen: %v", err)
		}
	}

	p := newTestPipeline(t, client, store, syncSettings(3))
	var events []types.ProgressEvent
	result, err := p.SyncCollection(context.Background(), 5, func(e types.ProgressEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}

	if result.NewCount != 4 || result.SkippedCount != 3 || result.FailedCount != 0 {
		t.Errorf("counts = new=%d skipped=%d failed=%d", result.NewCount, result.SkippedCount, result.FailedCount)
	}
	if result.FetchedCount != 7 {
		t.Errorf("FetchedCount = %d, want 7", result.FetchedCount)
	}
	if result.CircuitOpened {
		t.Error("CircuitOpened on a clean sync")
	}
	if len(result.Summaries) != 4 {
		t.Errorf("Summaries = %d", len(result.Summaries))
	}
	if len(events) != 4 || events[len(events)-1].Current != 4 {
		t.Errorf("progress events = %+v", events)
	}

	// Summarized candidates join the dedupe set.
	seen, err := store.Seen(context.Background(), types.SourceXiaohongshu, testNoteID(1))
	if err != nil || !seen {
		t.Errorf("Seen after sync = (%v, %v)", seen, err)
	}
}

func TestSyncCollectionStopsAtLimit(t *testing.T) {
	client := &fakeClient{pageSize: 10, details: map[string]*Detail{}}
	for n := byte(1); n <= 6; n++ {
		id := testNoteID(n)
		client.order = append(client.order, id)
		client.details[id] = textDetail(id, "caption")
	}

	p := newTestPipeline(t, client, newTestStore(t), syncSettings(3))
	result, err := p.SyncCollection(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.NewCount != 2 {
		t.Errorf("NewCount = %d, want 2", result.NewCount)
	}
	// Only examined candidates spend fetch slots.
	if result.FetchedCount != 2 {
		t.Errorf("FetchedCount = %d, want 2", result.FetchedCount)
	}
}

func TestSyncCollectionCircuitBreaker(t *testing.T) {
	// Every detail fetch fails upstream; the third consecutive failure opens
	// the breaker and stops the sync without failing the job.
	client := &fakeClient{pageSize: 10, details: map[string]*Detail{},
		failErr: types.E(types.KindUpstreamError, "status 500")}
	for n := byte(1); n <= 8; n++ {
		client.order = append(client.order, testNoteID(n))
	}

	p := newTestPipeline(t, client, newTestStore(t), syncSettings(3))
	result, err := p.SyncCollection(context.Background(), 5, nil)
	if err != nil {
		t.Fatalf("SyncCollection returned an error: %v", err)
	}
	if result.FailedCount != 3 {
		t.Errorf("FailedCount = %d, want 3", result.FailedCount)
	}
	if !result.CircuitOpened {
		t.Error("CircuitOpened = false after consecutive upstream failures")
	}
	if result.NewCount != 0 {
		t.Errorf("NewCount = %d", result.NewCount)
	}
}

func TestSyncCollectionInvalidInputDoesNotTrip(t *testing.T) {
	// Empty notes are client-side rejections: they count as failures but do
	// not feed the breaker.
	client := &fakeClient{pageSize: 10, details: map[string]*Detail{}}
	for n := byte(1); n <= 5; n++ {
		id := testNoteID(n)
		client.order = append(client.order, id)
		if n == 5 {
			client.details[id] = textDetail(id, "caption")
		} else {
			client.details[id] = &Detail{NoteID: id} // no content
		}
	}

	p := newTestPipeline(t, client, newTestStore(t), syncSettings(3))
	result, err := p.SyncCollection(context.Background(), 5, nil)
	if err != nil {
		t.Fatalf("SyncCollection: %v", err)
	}
	if result.FailedCount != 4 {
		t.Errorf("FailedCount = %d, want 4", result.FailedCount)
	}
	if result.CircuitOpened {
		t.Error("INVALID_INPUT rejections opened the circuit")
	}
	if result.NewCount != 1 {
		t.Errorf("NewCount = %d, want 1", result.NewCount)
	}
}

func TestSyncCollectionDetailFetchDisabled(t *testing.T) {
	cfg := syncSettings(3)
	cfg.WebReadonly.DetailFetchMode = "never"
	p := newTestPipeline(t, &fakeClient{}, newTestStore(t), cfg)

	_, err := p.SyncCollection(context.Background(), 5, nil)
	if types.KindOf(err) != types.KindInvalidInput {
		t.Errorf("error = %v, want INVALID_INPUT", err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		requested, def, max, want int
	}{
		{0, 5, 20, 5},
		{-3, 5, 20, 5},
		{7, 5, 20, 7},
		{50, 5, 20, 20},
		{50, 5, 0, 50},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.requested, tt.def, tt.max); got != tt.want {
			t.Errorf("clampLimit(%d, %d, %d) = %d, want %d", tt.requested, tt.def, tt.max, got, tt.want)
		}
	}
}
