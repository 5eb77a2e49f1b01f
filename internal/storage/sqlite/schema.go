package sqlite

const schema = `
-- Saved bilibili notes
CREATE TABLE IF NOT EXISTS bilibili_notes (
    note_id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL UNIQUE,
    source_url TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    summary_markdown TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_bilibili_notes_saved_at ON bilibili_notes(saved_at);

-- Saved xiaohongshu notes
CREATE TABLE IF NOT EXISTS xiaohongshu_notes (
    note_id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL UNIQUE,
    source_url TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    summary_markdown TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_xiaohongshu_notes_saved_at ON xiaohongshu_notes(saved_at);

-- Dedupe set of already-seen source ids
CREATE TABLE IF NOT EXISTS dedupe (
    source TEXT NOT NULL,
    source_id TEXT NOT NULL,
    first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source, source_id)
);

-- Merge records; immutable except finalized_at
CREATE TABLE IF NOT EXISTS merge_records (
    merge_id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    source_note_ids TEXT NOT NULL,      -- JSON array of note ids
    merged_note_id TEXT NOT NULL,
    field_decisions TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    rollback_of TEXT NOT NULL DEFAULT '',
    rolled_back INTEGER NOT NULL DEFAULT 0,
    finalized_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_merge_records_source_created ON merge_records(source, created_at DESC);

-- Per-field decision log written by merge commits
CREATE TABLE IF NOT EXISTS field_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    merge_id TEXT NOT NULL,
    field TEXT NOT NULL,
    decision TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (merge_id) REFERENCES merge_records(merge_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_field_decisions_merge ON field_decisions(merge_id);
`
