package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/bilibili"
	"github.com/untoldecay/midas/internal/config"
	"github.com/untoldecay/midas/internal/jobs"
	"github.com/untoldecay/midas/internal/llm"
	"github.com/untoldecay/midas/internal/merge"
	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/storage/sqlite"
	"github.com/untoldecay/midas/internal/types"
	"github.com/untoldecay/midas/internal/xiaohongshu"
)

type testServer struct {
	handler http.Handler
	store   storage.Store
}

// newTestServer wires the real component graph over a temp database. The
// sync runner is a stub; upstream-facing pipelines are only exercised up to
// their input validation.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "midas.yaml"))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "midas.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := zap.NewNop()
	summarizer, err := llm.NewFromConfig(config.LLMSettings{Enabled: false})
	if err != nil {
		t.Fatalf("building summarizer: %v", err)
	}

	auth := xiaohongshu.NewAuthManager()
	cooldown := xiaohongshu.NewCooldownTracker(func() time.Duration { return 0 })
	runner := func(ctx context.Context, limit int, progress func(types.ProgressEvent)) (*types.SyncResult, error) {
		return &types.SyncResult{RequestedLimit: limit}, nil
	}
	manager := jobs.NewManager(context.Background(), runner, cooldown, logger)
	t.Cleanup(manager.Shutdown)

	bili := bilibili.New(nil, nil, summarizer, 240, logger)
	xhs := xiaohongshu.NewPipeline(nil, store, nil, nil, summarizer,
		func() config.XiaohongshuSettings { return cfg.Get().Xiaohongshu }, logger)
	merges := merge.NewEngine(store, summarizer, logger)

	srv := New(cfg, store, bili, xhs, auth, manager, cooldown, merges, logger)
	return &testServer{handler: srv.Router(), store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s returned non-JSON body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, env
}

func artifactBody(n int) map[string]interface{} {
	return map[string]interface{}{
		"source_id":        fmt.Sprintf("note-%d", n),
		"source_url":       fmt.Sprintf("https://www.xiaohongshu.com/explore/%d", n),
		"title":            fmt.Sprintf("Note %d", n),
		"summary_markdown": "## Summary\n\nsome facts",
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !env.OK || env.Code != "OK" {
		t.Errorf("envelope = %+v", env)
	}
	if env.RequestID == "" {
		t.Error("request_id missing from the envelope")
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodPost, "/api/bilibili/summarize",
		map[string]string{"video_url": "not a video"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.OK || env.Code != string(types.KindInvalidInput) {
		t.Errorf("envelope = %+v", env)
	}
	if env.Message == "" || env.RequestID == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestBodyMustBeJSON(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/xiaohongshu/summarize-url",
		bytes.NewReader([]byte("url=abc")))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestNoteLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodPost, "/api/notes/xiaohongshu/save", artifactBody(1))
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d: %+v", rec.Code, env)
	}
	var saved types.SavedNote
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("decoding saved note: %v", err)
	}
	if saved.NoteID == "" || saved.Source != types.SourceXiaohongshu {
		t.Fatalf("saved = %+v", saved)
	}

	// Duplicate save without overwrite is rejected.
	rec, env = ts.do(t, http.MethodPost, "/api/notes/xiaohongshu/save", artifactBody(1))
	if rec.Code != http.StatusBadRequest || env.Code != string(types.KindInvalidInput) {
		t.Errorf("duplicate save = %d %+v", rec.Code, env)
	}

	body := artifactBody(1)
	body["overwrite"] = true
	rec, _ = ts.do(t, http.MethodPost, "/api/notes/xiaohongshu/save", body)
	if rec.Code != http.StatusOK {
		t.Errorf("overwrite save status = %d", rec.Code)
	}

	rec, env = ts.do(t, http.MethodGet, "/api/notes/xiaohongshu/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := env.Data.(map[string]interface{})
	if list["total"].(float64) != 1 {
		t.Errorf("list = %v", list)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/notes/xiaohongshu/"+saved.NoteID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	rec, _ = ts.do(t, http.MethodGet, "/api/notes/xiaohongshu/no-such-id", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("get missing status = %d", rec.Code)
	}

	rec, env = ts.do(t, http.MethodDelete, "/api/notes/xiaohongshu/"+saved.NoteID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if env.Data.(map[string]interface{})["deleted_count"].(float64) != 1 {
		t.Errorf("delete data = %v", env.Data)
	}
}

func TestNoteSourceValidation(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodPost, "/api/notes/myspace/save", artifactBody(1))
	if rec.Code != http.StatusBadRequest || env.Code != string(types.KindInvalidInput) {
		t.Errorf("unknown source = %d %+v", rec.Code, env)
	}
}

func TestClearRequiresConfirm(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/notes/xiaohongshu/save", artifactBody(1))

	rec, _ := ts.do(t, http.MethodDelete, "/api/notes/xiaohongshu/", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed clear status = %d", rec.Code)
	}
	// The refusal must not have deleted anything.
	_, env := ts.do(t, http.MethodGet, "/api/notes/xiaohongshu/", nil)
	if env.Data.(map[string]interface{})["total"].(float64) != 1 {
		t.Error("unconfirmed clear deleted notes")
	}

	rec, env = ts.do(t, http.MethodDelete, "/api/notes/xiaohongshu/?confirm_destructive=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed clear status = %d", rec.Code)
	}
	if env.Data.(map[string]interface{})["deleted_count"].(float64) != 1 {
		t.Errorf("clear data = %v", env.Data)
	}
}

func TestPrune(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"seen-1", "seen-2"} {
		if err := ts.store.MarkSeen(ctx, types.SourceXiaohongshu, id); err != nil {
			t.Fatalf("MarkSeen: %v", err)
		}
	}

	rec, env := ts.do(t, http.MethodPost, "/api/notes/xiaohongshu/synced/prune", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prune status = %d", rec.Code)
	}
	data := env.Data.(map[string]interface{})
	if data["candidate_count"].(float64) != 2 || data["deleted_count"].(float64) != 2 {
		t.Errorf("prune data = %v", data)
	}
}

func TestSyncJobEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodPost, "/api/xiaohongshu/sync/jobs", map[string]int{"limit": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %+v", rec.Code, env)
	}
	data := env.Data.(map[string]interface{})
	jobID, _ := data["job_id"].(string)
	if jobID == "" || data["status"].(string) != string(types.JobPending) {
		t.Fatalf("submit data = %v", data)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, env = ts.do(t, http.MethodGet, "/api/xiaohongshu/sync/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("poll status = %d", rec.Code)
		}
		status := env.Data.(map[string]interface{})["status"].(string)
		if status == string(types.JobSucceeded) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The kind-agnostic alias serves the same job.
	rec, _ = ts.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("alias status = %d", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/xiaohongshu/sync/jobs/unknown", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown job status = %d", rec.Code)
	}
}

func TestCooldownEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodGet, "/api/xiaohongshu/sync/cooldown", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.Data.(map[string]interface{})["allowed"] != true {
		t.Errorf("cooldown data = %v", env.Data)
	}
}

func TestAuthUpdateEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/xiaohongshu/auth/update", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty capture status = %d", rec.Code)
	}

	rec, env := ts.do(t, http.MethodPost, "/api/xiaohongshu/auth/update",
		map[string]string{"cookie": "a1=abc; web_session=def"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.Data.(map[string]interface{})["cookie_pairs"].(float64) != 2 {
		t.Errorf("data = %v", env.Data)
	}
}

func TestMergeEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/notes/xiaohongshu/save", artifactBody(1))
	ts.do(t, http.MethodPost, "/api/notes/xiaohongshu/save", artifactBody(2))

	_, env := ts.do(t, http.MethodGet, "/api/notes/xiaohongshu/", nil)
	items := env.Data.(map[string]interface{})["items"].([]interface{})
	var ids []string
	for _, item := range items {
		ids = append(ids, item.(map[string]interface{})["note_id"].(string))
	}

	rec, env := ts.do(t, http.MethodPost, "/api/notes/merge/preview",
		map[string]interface{}{"source": "xiaohongshu", "note_ids": ids})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview status = %d: %+v", rec.Code, env)
	}

	rec, env = ts.do(t, http.MethodPost, "/api/notes/merge/commit", map[string]interface{}{
		"source": "xiaohongshu", "note_ids": ids,
		"merged_title": "Merged", "merged_summary_markdown": "combined facts",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("commit status = %d: %+v", rec.Code, env)
	}
	mergeID := env.Data.(map[string]interface{})["merge_id"].(string)

	// Finalize refuses without the explicit destructive flag.
	rec, _ = ts.do(t, http.MethodPost, "/api/notes/merge/finalize",
		map[string]interface{}{"merge_id": mergeID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed finalize status = %d", rec.Code)
	}

	rec, env = ts.do(t, http.MethodPost, "/api/notes/merge/finalize",
		map[string]interface{}{"merge_id": mergeID, "confirm_destructive": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize status = %d: %+v", rec.Code, env)
	}
	if env.Data.(map[string]interface{})["deleted_source_count"].(float64) != 2 {
		t.Errorf("finalize data = %v", env.Data)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/notes/merge/rollback",
		map[string]interface{}{"merge_id": mergeID})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("rollback after finalize status = %d", rec.Code)
	}
}

func TestMergeSuggestEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodPost, "/api/notes/merge/suggest",
		map[string]interface{}{"source": "xiaohongshu"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := env.Data.(map[string]interface{})["candidates"]; !ok {
		t.Errorf("data = %v", env.Data)
	}
}

func TestConfigEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodGet, "/api/config/editable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if _, ok := env.Data.(map[string]interface{})["settings"]; !ok {
		t.Errorf("data = %v", env.Data)
	}

	rec, _ = ts.do(t, http.MethodPut, "/api/config/editable",
		map[string]interface{}{"xiaohongshu.default_limit": 9})
	if rec.Code != http.StatusOK {
		t.Errorf("patch status = %d", rec.Code)
	}

	// Sensitive keys never pass the API.
	rec, env = ts.do(t, http.MethodPut, "/api/config/editable",
		map[string]interface{}{"llm.api_key": "sk-new"})
	if rec.Code != http.StatusBadRequest || env.Code != string(types.KindInvalidInput) {
		t.Errorf("sensitive patch = %d %+v", rec.Code, env)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/config/editable/reset", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("reset status = %d", rec.Code)
	}
}
