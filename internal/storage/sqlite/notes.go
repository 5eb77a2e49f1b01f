package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/midas/internal/storage"
	"github.com/untoldecay/midas/internal/types"
)

// SaveNote persists an artifact as a new note. A note with the same
// (source, source_id) fails with INVALID_INPUT unless overwrite is set, in
// which case the existing row is replaced in place (same note_id).
func (s *Storage) SaveNote(ctx context.Context, artifact types.SummaryArtifact, overwrite bool) (*types.SavedNote, error) {
	table, err := noteTable(artifact.Source)
	if err != nil {
		return nil, err
	}
	if artifact.SourceID == "" {
		return nil, types.E(types.KindInvalidInput, "artifact has no source_id")
	}

	meta, err := json.Marshal(artifact.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	note := &types.SavedNote{
		SummaryArtifact: artifact,
		NoteID:          uuid.NewString(),
		SavedAt:         time.Now().UTC(),
	}

	err = s.inWrite(ctx, func(tx *sql.Tx) error {
		if overwrite {
			// Keep the existing note_id stable across overwrites.
			var existing string
			row := tx.QueryRowContext(ctx,
				`SELECT note_id FROM `+table+` WHERE source_id = ?`, artifact.SourceID)
			switch err := row.Scan(&existing); err {
			case nil:
				note.NoteID = existing
				_, err := tx.ExecContext(ctx, `
					UPDATE `+table+`
					SET source_url = ?, title = ?, summary_markdown = ?, metadata = ?, saved_at = ?
					WHERE note_id = ?`,
					artifact.SourceURL, artifact.Title, artifact.SummaryMarkdown,
					string(meta), note.SavedAt, existing)
				return err
			case sql.ErrNoRows:
				// Falls through to a plain insert.
			default:
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+table+` (note_id, source_id, source_url, title, summary_markdown, metadata, saved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			note.NoteID, artifact.SourceID, artifact.SourceURL, artifact.Title,
			artifact.SummaryMarkdown, string(meta), note.SavedAt)
		if isUniqueConstraintError(err) {
			return types.E(types.KindInvalidInput,
				"note for %s/%s already saved; pass overwrite to replace it",
				artifact.Source, artifact.SourceID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// ListNotes returns saved notes for a source, newest first.
func (s *Storage) ListNotes(ctx context.Context, source types.Source, filter storage.NoteFilter) ([]*types.SavedNote, error) {
	table, err := noteTable(source)
	if err != nil {
		return nil, err
	}

	query := `SELECT note_id, source_id, source_url, title, summary_markdown, metadata, saved_at
		FROM ` + table
	var args []interface{}
	if filter.TitleContains != "" {
		query += ` WHERE title LIKE ?`
		args = append(args, "%"+filter.TitleContains+"%")
	}
	query += ` ORDER BY saved_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s notes: %w", source, err)
	}
	defer func() { _ = rows.Close() }()

	var notes []*types.SavedNote
	for rows.Next() {
		note, err := scanNote(rows, source)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// GetNote returns one saved note, or storage.ErrNotFound.
func (s *Storage) GetNote(ctx context.Context, source types.Source, noteID string) (*types.SavedNote, error) {
	table, err := noteTable(source)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT note_id, source_id, source_url, title, summary_markdown, metadata, saved_at
		FROM `+table+` WHERE note_id = ?`, noteID)
	note, err := scanNote(row, source)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return note, err
}

// DeleteNote removes one note and returns the deleted row count. The dedupe
// entry for its source_id is deliberately kept; pruning is explicit.
func (s *Storage) DeleteNote(ctx context.Context, source types.Source, noteID string) (int, error) {
	table, err := noteTable(source)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.inWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE note_id = ?`, noteID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ClearNotes removes every note for a source and returns the count.
func (s *Storage) ClearNotes(ctx context.Context, source types.Source) (int, error) {
	table, err := noteTable(source)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.inWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(r rowScanner, source types.Source) (*types.SavedNote, error) {
	var note types.SavedNote
	var meta string
	if err := r.Scan(&note.NoteID, &note.SourceID, &note.SourceURL, &note.Title,
		&note.SummaryMarkdown, &meta, &note.SavedAt); err != nil {
		return nil, err
	}
	note.Source = source
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &note.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for note %s: %w", note.NoteID, err)
		}
	}
	return &note, nil
}
