package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/types"
)

// CommitMerge inserts the merged note, the merge record and its field
// decisions in one transaction. The merged note carries a synthetic
// source_id so it can never collide with a platform note; that id is also
// marked in the dedupe set and removed again on rollback.
func (s *Storage) CommitMerge(ctx context.Context, rec *types.MergeRecord, merged types.SummaryArtifact, decisions []storage.FieldDecision) (*types.SavedNote, error) {
	table, err := noteTable(rec.Source)
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(merged.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding merged metadata: %w", err)
	}
	ids, err := json.Marshal(rec.SourceNoteIDs)
	if err != nil {
		return nil, fmt.Errorf("encoding source note ids: %w", err)
	}

	note := &types.SavedNote{
		SummaryArtifact: merged,
		NoteID:          rec.MergedNoteID,
		SavedAt:         rec.CreatedAt,
	}

	err = s.inWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+table+` (note_id, source_id, source_url, title, summary_markdown, metadata, saved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			note.NoteID, merged.SourceID, merged.SourceURL, merged.Title,
			merged.SummaryMarkdown, string(meta), note.SavedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO dedupe (source, source_id) VALUES (?, ?)`,
			string(rec.Source), merged.SourceID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO merge_records (merge_id, source, source_note_ids, merged_note_id, field_decisions, created_at, rollback_of)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.MergeID, string(rec.Source), string(ids), rec.MergedNoteID,
			rec.FieldDecisions, rec.CreatedAt, rec.RollbackOf); err != nil {
			return err
		}
		for _, d := range decisions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO field_decisions (merge_id, field, decision, created_at)
				VALUES (?, ?, ?, ?)`,
				rec.MergeID, d.Field, d.Decision, rec.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// GetMergeRecord returns one merge record, or storage.ErrNotFound.
func (s *Storage) GetMergeRecord(ctx context.Context, mergeID string) (*types.MergeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT merge_id, source, source_note_ids, merged_note_id, field_decisions, created_at, rollback_of, finalized_at
		FROM merge_records WHERE merge_id = ? AND rolled_back = 0`, mergeID)
	rec, err := scanMergeRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

// LatestMergeRecord returns the most recent non-rolled-back merge for a
// source, or storage.ErrNotFound when the source has none.
func (s *Storage) LatestMergeRecord(ctx context.Context, source types.Source) (*types.MergeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT merge_id, source, source_note_ids, merged_note_id, field_decisions, created_at, rollback_of, finalized_at
		FROM merge_records WHERE source = ? AND rolled_back = 0
		ORDER BY created_at DESC, merge_id DESC LIMIT 1`, string(source))
	rec, err := scanMergeRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

// MergeRecordsReferencing returns non-finalized, non-rolled-back merges that
// produced the given note. Used to reject re-merging an un-finalized merge
// result.
func (s *Storage) MergeRecordsReferencing(ctx context.Context, source types.Source, noteID string) ([]*types.MergeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT merge_id, source, source_note_ids, merged_note_id, field_decisions, created_at, rollback_of, finalized_at
		FROM merge_records
		WHERE source = ? AND merged_note_id = ? AND rolled_back = 0 AND finalized_at IS NULL`,
		string(source), noteID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*types.MergeRecord
	for rows.Next() {
		rec, err := scanMergeRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RollbackMerge deletes the merged note, clears the dedupe entry the commit
// added, and tombstones the record. Eligibility (most recent, not
// finalized) is validated by the merge engine before calling.
func (s *Storage) RollbackMerge(ctx context.Context, rec *types.MergeRecord) error {
	table, err := noteTable(rec.Source)
	if err != nil {
		return err
	}
	return s.inWrite(ctx, func(tx *sql.Tx) error {
		var sourceID string
		row := tx.QueryRowContext(ctx,
			`SELECT source_id FROM `+table+` WHERE note_id = ?`, rec.MergedNoteID)
		if err := row.Scan(&sourceID); err != nil && err != sql.ErrNoRows {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE note_id = ?`, rec.MergedNoteID); err != nil {
			return err
		}
		if sourceID != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM dedupe WHERE source = ? AND source_id = ?`,
				string(rec.Source), sourceID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE merge_records SET rolled_back = 1 WHERE merge_id = ?`, rec.MergeID)
		return err
	})
}

// FinalizeMerge deletes the original source notes and stamps finalized_at.
// Destructive and irreversible; the router gates it behind an explicit
// confirmation flag.
func (s *Storage) FinalizeMerge(ctx context.Context, rec *types.MergeRecord) (int, error) {
	table, err := noteTable(rec.Source)
	if err != nil {
		return 0, err
	}
	var deleted int64
	err = s.inWrite(ctx, func(tx *sql.Tx) error {
		for _, noteID := range rec.SourceNoteIDs {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE note_id = ?`, noteID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE merge_records SET finalized_at = ? WHERE merge_id = ?`,
			time.Now().UTC(), rec.MergeID)
		return err
	})
	return int(deleted), err
}

func scanMergeRecord(r rowScanner) (*types.MergeRecord, error) {
	var rec types.MergeRecord
	var source, ids, rollbackOf string
	var finalized sql.NullTime
	if err := r.Scan(&rec.MergeID, &source, &ids, &rec.MergedNoteID,
		&rec.FieldDecisions, &rec.CreatedAt, &rollbackOf, &finalized); err != nil {
		return nil, err
	}
	rec.Source = types.Source(source)
	rec.RollbackOf = rollbackOf
	if err := json.Unmarshal([]byte(ids), &rec.SourceNoteIDs); err != nil {
		return nil, fmt.Errorf("decoding source note ids for merge %s: %w", rec.MergeID, err)
	}
	if finalized.Valid {
		t := finalized.Time
		rec.FinalizedAt = &t
	}
	return &rec, nil
}
