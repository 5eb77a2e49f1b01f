package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleBilibiliSummarize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VideoURL string `json:"video_url"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	artifact, err := s.bili.Summarize(r.Context(), req.VideoURL)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, artifact)
}

func (s *Server) handleXHSSummarizeURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	artifact, err := s.xhs.SummarizeURL(r.Context(), req.URL)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, artifact)
}

func (s *Server) handleSyncSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	job, err := s.jobs.Submit(types.JobKindCollectionSync, req.Limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]interface{}{
		"job_id":          job.JobID,
		"status":          job.Status,
		"requested_limit": job.RequestedLimit,
	})
}

func (s *Server) handleSyncGet(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		s.writeErr(w, r, types.E(types.KindInvalidInput, "unknown or evicted job id"))
		return
	}
	s.writeOK(w, r, job)
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, r, s.cooldown.Status())
}

func (s *Server) handleAuthUpdate(w http.ResponseWriter, r *http.Request) {
	var capture types.AuthCapture
	if err := decodeBody(r, &capture); err != nil {
		s.writeErr(w, r, err)
		return
	}
	pairs, err := s.auth.Update(capture)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]int{"cookie_pairs": pairs})
}

func (s *Server) handleCaptureRefresh(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.RefreshFromDisk(s.cfg.HARPath(), s.cfg.CurlPath())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, info)
}

func (s *Server) handleNoteSave(w http.ResponseWriter, r *http.Request) {
	source, err := sourceParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req struct {
		types.SummaryArtifact
		Overwrite bool `json:"overwrite"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	req.Source = source
	note, err := s.store.SaveNote(r.Context(), req.SummaryArtifact, req.Overwrite)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, note)
}

func (s *Server) handleNoteList(w http.ResponseWriter, r *http.Request) {
	source, err := sourceParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	filter := storage.NoteFilter{TitleContains: r.URL.Query().Get("q")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeErr(w, r, types.E(types.KindInvalidInput, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	notes, err := s.store.ListNotes(r.Context(), source, filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if notes == nil {
		notes = []*types.SavedNote{}
	}
	s.writeOK(w, r, map[string]interface{}{
		"total": len(notes),
		"items": notes,
	})
}

func (s *Server) handleNoteGet(w http.ResponseWriter, r *http.Request) {
	source, err := sourceParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	note, err := s.store.GetNote(r.Context(), source, chi.URLParam(r, "id"))
	if err == storage.ErrNotFound {
		s.writeErr(w, r, types.E(types.KindInvalidInput, "no such note"))
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, note)
}

func (s *Server) handleNoteDelete(w http.ResponseWriter, r *http.Request) {
	source, err := sourceParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	deleted, err := s.store.DeleteNote(r.Context(), source, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]int{"deleted_count": deleted})
}

func (s *Server) handleNoteClear(w http.ResponseWriter, r *http.Request) {
	source, err := sourceParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := requireConfirm(r); err != nil {
		s.writeErr(w, r, err)
		return
	}
	deleted, err := s.store.ClearNotes(r.Context(), source)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]int{"deleted_count": deleted})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	candidates, deleted, err := s.store.PruneUnsaved(r.Context(), types.SourceXiaohongshu)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]int{
		"candidate_count": candidates,
		"deleted_count":   deleted,
	})
}

func (s *Server) handleMergeSuggest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source   types.Source `json:"source"`
		Limit    int          `json:"limit"`
		MinScore float64      `json:"min_score"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	groups, err := s.merges.Suggest(r.Context(), req.Source, req.Limit, req.MinScore)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]interface{}{"candidates": groups})
}

func (s *Server) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source  types.Source `json:"source"`
		NoteIDs []string     `json:"note_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	preview, err := s.merges.Preview(r.Context(), req.Source, req.NoteIDs)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, preview)
}

func (s *Server) handleMergeCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source                types.Source `json:"source"`
		NoteIDs               []string     `json:"note_ids"`
		MergedTitle           string       `json:"merged_title"`
		MergedSummaryMarkdown string       `json:"merged_summary_markdown"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	rec, note, err := s.merges.Commit(r.Context(), req.Source, req.NoteIDs,
		req.MergedTitle, req.MergedSummaryMarkdown)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]interface{}{
		"merge_id":       rec.MergeID,
		"merged_note_id": note.NoteID,
	})
}

func (s *Server) handleMergeRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MergeID string `json:"merge_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.merges.Rollback(r.Context(), req.MergeID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]bool{"rolled_back": true})
}

func (s *Server) handleMergeFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MergeID            string `json:"merge_id"`
		ConfirmDestructive bool   `json:"confirm_destructive"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !req.ConfirmDestructive {
		s.writeErr(w, r, types.E(types.KindInvalidInput,
			"finalize deletes the source notes; pass confirm_destructive"))
		return
	}
	deleted, err := s.merges.Finalize(r.Context(), req.MergeID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]int{"deleted_source_count": deleted})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, r, map[string]interface{}{"settings": s.cfg.EditableSnapshot()})
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := decodeBody(r, &patch); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.cfg.ApplyPatch(patch); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]interface{}{"settings": s.cfg.EditableSnapshot()})
}

func (s *Server) handleConfigReset(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ResetToDefaults(); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeOK(w, r, map[string]interface{}{"settings": s.cfg.EditableSnapshot()})
}

// requireConfirm gates destructive endpoints on ?confirm_destructive=true.
func requireConfirm(r *http.Request) error {
	if r.URL.Query().Get("confirm_destructive") == "true" {
		return nil
	}
	return types.E(types.KindInvalidInput,
		"this operation is destructive; pass confirm_destructive=true")
}
