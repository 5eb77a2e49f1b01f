package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/types"
)

// Preview is the merged view of a note set before any write happens.
type Preview struct {
	MergedTitle           string            `json:"merged_title"`
	MergedSummaryMarkdown string            `json:"merged_summary_markdown"`
	ConflictMarkers       []string          `json:"conflict_markers"`
	FieldDecisions        map[string]string `json:"field_decisions"`
	FallbackReason        string            `json:"fallback_reason,omitempty"`
}

const previewSystemPrompt = `You merge several saved notes about the same topic into one. Respond with a single JSON object, nothing else: {"merged_title": string, "merged_summary_markdown": string, "conflict_markers": [string], "field_decisions": {field: string}}. Keep every distinct fact; mark contradictions in conflict_markers.`

// llmPreview asks the model for the merged note as strict JSON.
func (e *Engine) llmPreview(ctx context.Context, notes []*types.SavedNote) (*Preview, error) {
	var b strings.Builder
	b.WriteString("Merge these notes:\n")
	for i, n := range notes {
		fmt.Fprintf(&b, "\n--- Note %d (saved %s) ---\nTitle: %s\n\n%s\n",
			i+1, n.SavedAt.Format(time.RFC3339), n.Title, n.SummaryMarkdown)
	}

	raw, err := e.summarizer.Complete(ctx, previewSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}

	var preview Preview
	if err := json.Unmarshal([]byte(extractJSON(raw)), &preview); err != nil {
		return nil, fmt.Errorf("merge preview is not valid JSON: %w", err)
	}
	if preview.MergedTitle == "" || preview.MergedSummaryMarkdown == "" {
		return nil, fmt.Errorf("merge preview is missing title or summary")
	}
	if preview.ConflictMarkers == nil {
		preview.ConflictMarkers = []string{}
	}
	if preview.FieldDecisions == nil {
		preview.FieldDecisions = map[string]string{}
	}
	return &preview, nil
}

// extractJSON strips markdown fences and any prose around the outermost
// JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// ruleBasedPreview is the deterministic merge used when the model is
// unavailable or returns garbage. Notes arrive sorted oldest first.
func ruleBasedPreview(notes []*types.SavedNote) *Preview {
	title, titleDecision := pickTitle(notes)
	summary, markers := mergeSummaries(notes)

	decisions := map[string]string{
		"title":       titleDecision,
		"summary":     "sentence-level dedup, conflicting paragraphs kept with source markers",
		"tags":        "union",
		"source_refs": "union",
		"metadata":    "earliest published_at, latest updated_at, variants preserved",
	}

	return &Preview{
		MergedTitle:           title,
		MergedSummaryMarkdown: summary,
		ConflictMarkers:       markers,
		FieldDecisions:        decisions,
	}
}

// pickTitle applies the title policy: higher intent score wins, ties go to
// the most recently saved note.
func pickTitle(notes []*types.SavedNote) (string, string) {
	best := notes[0]
	for _, n := range notes[1:] {
		bi, ni := titleIntent(best.Title), titleIntent(n.Title)
		if ni > bi || (ni == bi && n.SavedAt.After(best.SavedAt)) {
			best = n
		}
	}
	return best.Title, fmt.Sprintf("note %s (intent score %d)", best.NoteID, titleIntent(best.Title))
}

// mergeSummaries dedups sentences across notes preserving first-seen order;
// paragraphs unique to a later note land under a heading naming it.
func mergeSummaries(notes []*types.SavedNote) (string, []string) {
	var b strings.Builder
	var markers []string
	seen := map[string]bool{}

	for i, n := range notes {
		var kept []string
		for _, s := range sentences(n.SummaryMarkdown) {
			key := normalizeSentence(s)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			continue
		}
		if i == 0 {
			b.WriteString(strings.Join(kept, "\n"))
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "\n### From %q\n\n", n.Title)
		b.WriteString(strings.Join(kept, "\n"))
		b.WriteString("\n")
		markers = append(markers, fmt.Sprintf("note %s contributed %d unique sentences", n.NoteID, len(kept)))
	}

	if markers == nil {
		markers = []string{}
	}
	return b.String(), markers
}

// mergedMetadata applies the metadata policy across the notes.
func mergedMetadata(notes []*types.SavedNote) map[string]interface{} {
	meta := map[string]interface{}{}

	var refs []string
	var ids []string
	tags := map[string]bool{}
	variants := map[string]interface{}{}
	var earliestPublished, latestUpdated string

	for _, n := range notes {
		ids = append(ids, n.NoteID)
		if n.SourceURL != "" {
			refs = append(refs, n.SourceURL)
		}
		for _, tag := range metadataTags(n.Metadata) {
			tags[tag] = true
		}
		if v, ok := n.Metadata["published_at"].(string); ok && v != "" {
			if earliestPublished == "" || v < earliestPublished {
				earliestPublished = v
			}
		}
		if v, ok := n.Metadata["updated_at"].(string); ok && v != "" {
			if v > latestUpdated {
				latestUpdated = v
			}
		}
		if len(n.Metadata) > 0 {
			variants[n.NoteID] = n.Metadata
		}
	}

	meta["merged_from"] = ids
	meta["source_refs"] = dedupeStrings(refs)
	if len(tags) > 0 {
		var list []string
		for t := range tags {
			list = append(list, t)
		}
		sort.Strings(list)
		meta["tags"] = list
	}
	if earliestPublished != "" {
		meta["published_at"] = earliestPublished
	}
	if latestUpdated != "" {
		meta["updated_at"] = latestUpdated
	}
	if len(variants) > 0 {
		meta["metadata_variants"] = variants
	}
	return meta
}

func metadataTags(meta map[string]interface{}) []string {
	raw, ok := meta["tags"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		out = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func encodeDecisions(decisions map[string]string) string {
	raw, err := json.Marshal(decisions)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decisionRows(mergeID string, decisions map[string]string) []storage.FieldDecision {
	fields := make([]string, 0, len(decisions))
	for f := range decisions {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	rows := make([]storage.FieldDecision, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, storage.FieldDecision{
			MergeID:  mergeID,
			Field:    f,
			Decision: decisions[f],
		})
	}
	return rows
}
