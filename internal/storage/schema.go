package storage

const schema = `
-- The 'sources' table tracks directories and git repositories gems are imported from.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL DEFAULT 'local', -- local | git
    last_scanned DATETIME
);

-- The 'gems' table stores every captured insight with its review schedule.
CREATE TABLE IF NOT EXISTS gems (
    id TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    type TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]', -- JSON array
    forged_content TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'idle', -- idle | forging
    review_level INTEGER NOT NULL DEFAULT 0,
    review_at DATETIME, -- NULL while unscheduled
    created_at DATETIME NOT NULL,
    source_id INTEGER,

    FOREIGN KEY(source_id) REFERENCES sources(id)
);

CREATE INDEX IF NOT EXISTS idx_gems_hash ON gems(hash);
CREATE INDEX IF NOT EXISTS idx_gems_source ON gems(source_id);

-- The 'prompts' table is the prompt vault used when forging gems.
CREATE TABLE IF NOT EXISTS prompts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

-- The 'review_logs' table keeps one row per completed review.
CREATE TABLE IF NOT EXISTS review_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    gem_id TEXT NOT NULL,
    level INTEGER NOT NULL,
    reviewed_at DATETIME NOT NULL,
    next_review_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_review_logs_gem ON review_logs(gem_id);
`
