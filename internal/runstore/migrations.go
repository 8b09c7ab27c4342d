package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    issue_key TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    priority TEXT NOT NULL DEFAULT 'normal',
    repo_key TEXT NOT NULL,
    locked_by TEXT,
    locked_at TIMESTAMP,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    metrics TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_issue_key ON runs(issue_key);
CREATE INDEX IF NOT EXISTS idx_runs_repo_key ON runs(repo_key);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    timestamp TIMESTAMP NOT NULL,
    level TEXT,
    message TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);

CREATE TABLE IF NOT EXISTS child_flags (
    parent_key TEXT PRIMARY KEY,
    child_count INTEGER NOT NULL,
    created_by TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS fix_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    issue_key TEXT NOT NULL,
    attempt_num INTEGER NOT NULL,
    model TEXT NOT NULL,
    category TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    files_touched TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fix_attempts_run_id ON fix_attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_fix_attempts_issue_key ON fix_attempts(issue_key);

CREATE TABLE IF NOT EXISTS error_patterns (
    signature_hash TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    fix_strategy TEXT,
    success_count INTEGER NOT NULL DEFAULT 0,
    fail_count INTEGER NOT NULL DEFAULT 0,
    last_used TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rollback_tags (
    name TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    issue_key TEXT NOT NULL,
    repo_key TEXT NOT NULL,
    target TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rollback_tags_run_id ON rollback_tags(run_id);
`
