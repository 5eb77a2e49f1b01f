// Package merge finds similar saved notes, previews a combined note and
// runs the two-phase commit: a non-destructive commit with a rollback
// window, then a destructive finalize.
package merge

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/untoldecay/midas/internal/llm"
	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/types"
)

// CandidateGroup is one suggested set of notes to merge.
type CandidateGroup struct {
	NoteIDs []string `json:"note_ids"`
	Titles  []string `json:"titles"`
	Score   float64  `json:"score"` // lowest pairwise score in the group
}

// Engine drives suggestion, preview, commit, rollback and finalize.
type Engine struct {
	store      storage.Store
	summarizer llm.Summarizer
	logger     *zap.Logger
}

func NewEngine(store storage.Store, summarizer llm.Summarizer, logger *zap.Logger) *Engine {
	return &Engine{store: store, summarizer: summarizer, logger: logger}
}

// Suggest scores every pair of saved notes for a source and returns up to
// limit groups at or above minScore, strongest first. Pairs sharing a note
// are extended to a larger group only when every cross pair clears the
// clique threshold.
func (e *Engine) Suggest(ctx context.Context, source types.Source, limit int, minScore float64) ([]CandidateGroup, error) {
	if !types.ValidSource(source) {
		return nil, types.E(types.KindInvalidInput, "unknown source %q", source)
	}
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	notes, err := e.store.ListNotes(ctx, source, storage.NoteFilter{})
	if err != nil {
		return nil, err
	}
	if len(notes) < 2 {
		return []CandidateGroup{}, nil
	}

	byID := make(map[string]*types.SavedNote, len(notes))
	for _, n := range notes {
		byID[n.NoteID] = n
	}

	type pair struct {
		a, b  string
		score float64
	}
	var pairs []pair
	scores := map[[2]string]float64{}
	for i := 0; i < len(notes); i++ {
		for j := i + 1; j < len(notes); j++ {
			s := pairScore(notes[i], notes[j])
			a, b := notes[i].NoteID, notes[j].NoteID
			if a > b {
				a, b = b, a
			}
			scores[[2]string{a, b}] = s
			if s >= minScore {
				pairs = append(pairs, pair{a: a, b: b, score: s})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		return pairs[i].a < pairs[j].a
	})

	pairwise := func(a, b string) float64 {
		if a > b {
			a, b = b, a
		}
		return scores[[2]string{a, b}]
	}

	var groups [][]string
	assigned := map[string]int{}
	for _, p := range pairs {
		gi, aOK := assigned[p.a]
		gj, bOK := assigned[p.b]
		switch {
		case !aOK && !bOK:
			groups = append(groups, []string{p.a, p.b})
			assigned[p.a] = len(groups) - 1
			assigned[p.b] = len(groups) - 1
		case aOK && !bOK:
			if cliqueFits(groups[gi], p.b, pairwise) {
				groups[gi] = append(groups[gi], p.b)
				assigned[p.b] = gi
			}
		case !aOK && bOK:
			if cliqueFits(groups[gj], p.a, pairwise) {
				groups[gj] = append(groups[gj], p.a)
				assigned[p.a] = gj
			}
		}
	}

	var out []CandidateGroup
	for _, ids := range groups {
		sort.Strings(ids)
		group := CandidateGroup{NoteIDs: ids, Score: 1}
		for i := 0; i < len(ids); i++ {
			group.Titles = append(group.Titles, byID[ids[i]].Title)
			for j := i + 1; j < len(ids); j++ {
				if s := pairwise(ids[i], ids[j]); s < group.Score {
					group.Score = s
				}
			}
		}
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NoteIDs[0] < out[j].NoteIDs[0]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []CandidateGroup{}
	}
	return out, nil
}

func cliqueFits(group []string, candidate string, pairwise func(a, b string) float64) bool {
	for _, member := range group {
		if pairwise(member, candidate) < cliqueThreshold {
			return false
		}
	}
	return true
}

// loadMergeInput resolves and validates the notes named by a preview or
// commit: at least two, all present, and none the output of a merge that is
// still inside its rollback window.
func (e *Engine) loadMergeInput(ctx context.Context, source types.Source, noteIDs []string) ([]*types.SavedNote, error) {
	if !types.ValidSource(source) {
		return nil, types.E(types.KindInvalidInput, "unknown source %q", source)
	}
	if len(noteIDs) < 2 {
		return nil, types.E(types.KindInvalidInput, "a merge needs at least two notes")
	}
	seen := map[string]bool{}
	notes := make([]*types.SavedNote, 0, len(noteIDs))
	for _, id := range noteIDs {
		if seen[id] {
			return nil, types.E(types.KindInvalidInput, "note %s listed twice", id)
		}
		seen[id] = true

		note, err := e.store.GetNote(ctx, source, id)
		if err == storage.ErrNotFound {
			return nil, types.E(types.KindInvalidInput, "note %s does not exist", id)
		}
		if err != nil {
			return nil, err
		}

		open, err := e.store.MergeRecordsReferencing(ctx, source, id)
		if err != nil {
			return nil, err
		}
		if len(open) > 0 {
			return nil, types.E(types.KindInvalidInput,
				"note %s is the result of merge %s, which has not been finalized",
				id, open[0].MergeID)
		}
		notes = append(notes, note)
	}

	// Deterministic input order: the preview of (A,B) and (B,A) is the same.
	sort.Slice(notes, func(i, j int) bool {
		if !notes[i].SavedAt.Equal(notes[j].SavedAt) {
			return notes[i].SavedAt.Before(notes[j].SavedAt)
		}
		return notes[i].NoteID < notes[j].NoteID
	})
	return notes, nil
}

// Preview builds the merged view of a note set without writing anything.
// The LLM drives title and summary generation; on timeout or malformed
// output the deterministic rule-based merge takes over and the reason is
// recorded.
func (e *Engine) Preview(ctx context.Context, source types.Source, noteIDs []string) (*Preview, error) {
	notes, err := e.loadMergeInput(ctx, source, noteIDs)
	if err != nil {
		return nil, err
	}

	preview, llmErr := e.llmPreview(ctx, notes)
	if llmErr == nil {
		return preview, nil
	}

	e.logger.Warn("llm merge preview failed, using rule-based merge", zap.Error(llmErr))
	preview = ruleBasedPreview(notes)
	preview.FallbackReason = llmErr.Error()
	return preview, nil
}

// Commit inserts the merged note and its MergeRecord. The source notes stay
// until finalize; rollback stays possible until then.
func (e *Engine) Commit(ctx context.Context, source types.Source, noteIDs []string, mergedTitle, mergedSummary string) (*types.MergeRecord, *types.SavedNote, error) {
	notes, err := e.loadMergeInput(ctx, source, noteIDs)
	if err != nil {
		return nil, nil, err
	}
	if mergedTitle == "" || mergedSummary == "" {
		return nil, nil, types.E(types.KindInvalidInput, "merged title and summary are required")
	}

	mergeID := uuid.NewString()
	sortedIDs := make([]string, 0, len(notes))
	for _, n := range notes {
		sortedIDs = append(sortedIDs, n.NoteID)
	}

	merged := types.SummaryArtifact{
		Source:          source,
		SourceID:        "merge:" + mergeID,
		SourceURL:       notes[len(notes)-1].SourceURL,
		Title:           mergedTitle,
		SummaryMarkdown: mergedSummary,
		Metadata:        mergedMetadata(notes),
	}

	decisions := ruleBasedPreview(notes).FieldDecisions
	rec := &types.MergeRecord{
		MergeID:        mergeID,
		Source:         source,
		SourceNoteIDs:  sortedIDs,
		MergedNoteID:   uuid.NewString(),
		FieldDecisions: encodeDecisions(decisions),
		CreatedAt:      time.Now().UTC(),
	}

	note, err := e.store.CommitMerge(ctx, rec, merged, decisionRows(mergeID, decisions))
	if err != nil {
		return nil, nil, err
	}
	e.logger.Info("merge committed",
		zap.String("merge_id", mergeID),
		zap.String("merged_note_id", rec.MergedNoteID),
		zap.Int("source_notes", len(sortedIDs)))
	return rec, note, nil
}

// Rollback removes the merged note and tombstones the record. Only the most
// recent non-finalized merge of a source can be rolled back.
func (e *Engine) Rollback(ctx context.Context, mergeID string) error {
	rec, err := e.store.GetMergeRecord(ctx, mergeID)
	if err == storage.ErrNotFound {
		return types.E(types.KindInvalidInput, "merge %s does not exist or was already rolled back", mergeID)
	}
	if err != nil {
		return err
	}
	if rec.FinalizedAt != nil {
		return types.E(types.KindInvalidInput, "merge %s is finalized and cannot be rolled back", mergeID)
	}

	latest, err := e.store.LatestMergeRecord(ctx, rec.Source)
	if err != nil {
		return err
	}
	if latest.MergeID != mergeID {
		return types.E(types.KindInvalidInput,
			"merge %s is not the most recent merge for %s; roll back %s first",
			mergeID, rec.Source, latest.MergeID)
	}

	if err := e.store.RollbackMerge(ctx, rec); err != nil {
		return err
	}
	e.logger.Info("merge rolled back", zap.String("merge_id", mergeID))
	return nil
}

// Finalize deletes the original source notes. Irreversible; the router
// requires confirm_destructive before calling.
func (e *Engine) Finalize(ctx context.Context, mergeID string) (int, error) {
	rec, err := e.store.GetMergeRecord(ctx, mergeID)
	if err == storage.ErrNotFound {
		return 0, types.E(types.KindInvalidInput, "merge %s does not exist or was rolled back", mergeID)
	}
	if err != nil {
		return 0, err
	}
	if rec.FinalizedAt != nil {
		return 0, types.E(types.KindInvalidInput, "merge %s is already finalized", mergeID)
	}

	deleted, err := e.store.FinalizeMerge(ctx, rec)
	if err != nil {
		return 0, err
	}
	e.logger.Info("merge finalized",
		zap.String("merge_id", mergeID),
		zap.Int("deleted_source_count", deleted))
	return deleted, nil
}
