// Package storage defines the interface for the durable note library,
// dedupe set and merge bookkeeping.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/untoldecay/midas/internal/types"
)

// ErrNotFound is returned when a note or merge record does not exist.
var ErrNotFound = errors.New("not found")

// NoteFilter narrows ListNotes results.
type NoteFilter struct {
	TitleContains string
	Limit         int
}

// Store is the durable state behind the pipelines and the merge engine.
//
// Writers are serialized by the implementation; concurrent readers are
// allowed. Every successful mutation produces a timestamped backup snapshot
// of the database file.
type Store interface {
	// Notes
	SaveNote(ctx context.Context, artifact types.SummaryArtifact, overwrite bool) (*types.SavedNote, error)
	ListNotes(ctx context.Context, source types.Source, filter NoteFilter) ([]*types.SavedNote, error)
	GetNote(ctx context.Context, source types.Source, noteID string) (*types.SavedNote, error)
	DeleteNote(ctx context.Context, source types.Source, noteID string) (int, error)
	ClearNotes(ctx context.Context, source types.Source) (int, error)

	// Dedupe set, keyed by (source, source_id). Monotonic under normal
	// operation; only PruneUnsaved or a merge rollback removes entries.
	Seen(ctx context.Context, source types.Source, sourceID string) (bool, error)
	MarkSeen(ctx context.Context, source types.Source, sourceID string) error
	PruneUnsaved(ctx context.Context, source types.Source) (candidates, deleted int, err error)

	// Merge bookkeeping. CommitMerge atomically inserts the merged note,
	// the merge record and its field-decision log entries.
	CommitMerge(ctx context.Context, rec *types.MergeRecord, merged types.SummaryArtifact, decisions []FieldDecision) (*types.SavedNote, error)
	GetMergeRecord(ctx context.Context, mergeID string) (*types.MergeRecord, error)
	LatestMergeRecord(ctx context.Context, source types.Source) (*types.MergeRecord, error)
	MergeRecordsReferencing(ctx context.Context, source types.Source, noteID string) ([]*types.MergeRecord, error)
	RollbackMerge(ctx context.Context, rec *types.MergeRecord) error
	FinalizeMerge(ctx context.Context, rec *types.MergeRecord) (deleted int, err error)

	// Lifecycle
	Close() error
	Path() string
}

// FieldDecision records how one field of a merged note was resolved.
type FieldDecision struct {
	MergeID   string    `json:"merge_id"`
	Field     string    `json:"field"`
	Decision  string    `json:"decision"`
	CreatedAt time.Time `json:"created_at"`
}
