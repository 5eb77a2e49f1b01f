package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/midas/internal/types"
)

// Seen reports whether (source, source_id) is in the dedupe set.
func (s *Storage) Seen(ctx context.Context, source types.Source, sourceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dedupe WHERE source = ? AND source_id = ?`,
		string(source), sourceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying dedupe set: %w", err)
	}
	return n > 0, nil
}

// MarkSeen adds (source, source_id) to the dedupe set. Adding an entry that
// is already present is a no-op.
func (s *Storage) MarkSeen(ctx context.Context, source types.Source, sourceID string) error {
	if sourceID == "" {
		return types.E(types.KindInvalidInput, "empty source id")
	}
	return s.inWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dedupe (source, source_id) VALUES (?, ?)`,
			string(source), sourceID)
		return err
	})
}

// PruneUnsaved removes dedupe entries for a source that have no saved note,
// i.e. the "synced but never saved" residue. Returns how many entries were
// candidates and how many were deleted.
func (s *Storage) PruneUnsaved(ctx context.Context, source types.Source) (int, int, error) {
	table, err := noteTable(source)
	if err != nil {
		return 0, 0, err
	}

	var candidates int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dedupe d
		WHERE d.source = ?
		  AND NOT EXISTS (SELECT 1 FROM `+table+` n WHERE n.source_id = d.source_id)`,
		string(source)).Scan(&candidates)
	if err != nil {
		return 0, 0, fmt.Errorf("counting prune candidates: %w", err)
	}
	if candidates == 0 {
		return 0, 0, nil
	}

	var deleted int64
	err = s.inWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM dedupe
			WHERE source = ?
			  AND NOT EXISTS (SELECT 1 FROM `+table+` n WHERE n.source_id = dedupe.source_id)`,
			string(source))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return candidates, int(deleted), err
}
