// Package types defines the domain model shared by every Midas component:
// sources, summary artifacts, saved notes, sync jobs, merge records and the
// tagged error kinds that cross the HTTP boundary.
package types

import "time"

// Source identifies a platform family.
type Source string

const (
	SourceBilibili    Source = "bilibili"
	SourceXiaohongshu Source = "xiaohongshu"
)

// ValidSource reports whether s names a known platform family.
func ValidSource(s Source) bool {
	return s == SourceBilibili || s == SourceXiaohongshu
}

// SummaryArtifact is the immutable result of one pipeline run. The same
// (source, source_id) may be re-generated; a fresh artifact supersedes a
// previous one only by an explicit save.
type SummaryArtifact struct {
	Source          Source                 `json:"source"`
	SourceID        string                 `json:"source_id"`
	SourceURL       string                 `json:"source_url"`
	Title           string                 `json:"title"`
	SummaryMarkdown string                 `json:"summary_markdown"`
	Metadata        map[string]interface{} `json:"captured_metadata,omitempty"`
}

// SavedNote is a SummaryArtifact persisted to the note library. NoteID is
// locally assigned on save and distinct from SourceID. Deleting a saved note
// does not remove the source id from the dedupe store.
type SavedNote struct {
	SummaryArtifact
	NoteID  string    `json:"note_id"`
	SavedAt time.Time `json:"saved_at"`
}

// JobStatus is the lifecycle state of an async job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobKindCollectionSync is the only job kind in this version.
const JobKindCollectionSync = "xhs_collection_sync"

// Job is a snapshot of a long-running task. Mutated only by the executing
// worker; readers always receive a deep copy.
type Job struct {
	JobID          string      `json:"job_id"`
	Kind           string      `json:"kind"`
	RequestedLimit int         `json:"requested_limit"`
	Status         JobStatus   `json:"status"`
	Current        int         `json:"current"`
	Total          int         `json:"total"`
	Message        string      `json:"message,omitempty"`
	Result         *SyncResult `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	ErrorCode      Kind        `json:"error_code,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		r.Summaries = append([]SummaryArtifact(nil), j.Result.Summaries...)
		out.Result = &r
	}
	return &out
}

// SyncResult accumulates the outcome of one collection sync. Counters ratchet
// monotonically; at termination fetched = new + skipped + failed.
type SyncResult struct {
	RequestedLimit int               `json:"requested_limit"`
	FetchedCount   int               `json:"fetched_count"`
	NewCount       int               `json:"new_count"`
	SkippedCount   int               `json:"skipped_count"`
	FailedCount    int               `json:"failed_count"`
	CircuitOpened  bool              `json:"circuit_opened"`
	Summaries      []SummaryArtifact `json:"summaries"`
}

// ProgressEvent is streamed from a sync worker to the job manager.
// Current never decreases within a job.
type ProgressEvent struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// AuthCapture bundles the headers and cookies used to impersonate an
// authenticated browser session for upstream reads. Replaced atomically as a
// whole; a capture with an empty cookie is rejected.
type AuthCapture struct {
	Cookie       string            `json:"cookie"`
	UserAgent    string            `json:"user_agent"`
	Origin       string            `json:"origin,omitempty"`
	Referer      string            `json:"referer,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

// CookiePairs returns the number of key=value pairs in the cookie string.
func (c *AuthCapture) CookiePairs() int {
	if c.Cookie == "" {
		return 0
	}
	n := 1
	for _, r := range c.Cookie {
		if r == ';' {
			n++
		}
	}
	return n
}

// CooldownStatus describes the self-imposed minimum interval between two
// live collection syncs.
type CooldownStatus struct {
	Allowed            bool  `json:"allowed"`
	RemainingSeconds   int64 `json:"remaining_seconds"`
	NextAllowedAtEpoch int64 `json:"next_allowed_at_epoch"`
	IntervalSeconds    int64 `json:"interval_seconds"`
}

// MergeRecord documents one merge commit. Immutable except FinalizedAt.
// A merge can be rolled back iff it is the most recent non-finalized merge
// for its source.
type MergeRecord struct {
	MergeID        string     `json:"merge_id"`
	Source         Source     `json:"source"`
	SourceNoteIDs  []string   `json:"source_note_ids"`
	MergedNoteID   string     `json:"merged_note_id"`
	FieldDecisions string     `json:"field_decisions,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RollbackOf     string     `json:"rollback_of,omitempty"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
}
