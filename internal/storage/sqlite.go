package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection.
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path and runs the
// schema bootstrap.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// OpenInMemory opens a fresh in-memory database. Used by tests.
func OpenInMemory() (*DB, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// access the same way the file-backed WAL database does.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		slug            TEXT NOT NULL UNIQUE,
		description     TEXT NOT NULL DEFAULT '',
		repo_url        TEXT NOT NULL DEFAULT '',
		provider_type   TEXT NOT NULL DEFAULT '',
		repo_token      TEXT,
		skip_tls_verify INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sprints (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		starts_at  DATETIME,
		ends_at    DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id                     TEXT PRIMARY KEY,
		project_id             TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		parent_id              TEXT REFERENCES tasks(id) ON DELETE CASCADE,
		sprint_id              TEXT REFERENCES sprints(id) ON DELETE SET NULL,
		title                  TEXT NOT NULL,
		description            TEXT NOT NULL DEFAULT '',
		reviewer               TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL DEFAULT 'todo',
		sort_order             REAL NOT NULL DEFAULT 0,
		research_status        TEXT NOT NULL DEFAULT 'none',
		spec_status            TEXT NOT NULL DEFAULT 'none',
		plan_status            TEXT NOT NULL DEFAULT 'none',
		verify_status          TEXT NOT NULL DEFAULT 'none',
		research_feedback      TEXT NOT NULL DEFAULT '',
		spec_feedback          TEXT NOT NULL DEFAULT '',
		plan_feedback          TEXT NOT NULL DEFAULT '',
		verify_feedback        TEXT NOT NULL DEFAULT '',
		research_approved_hash TEXT,
		spec_approved_hash     TEXT,
		research_capability    TEXT,
		design_capability      TEXT,
		plan_capability        TEXT,
		build_capability       TEXT,
		verify_capability      TEXT,
		created_at             DATETIME NOT NULL,
		updated_at             DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status, sort_order);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

	CREATE TABLE IF NOT EXISTS claude_runs (
		id                  TEXT PRIMARY KEY,
		task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		action              TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'queued',
		required_capability TEXT,
		runner_id           TEXT,
		progress_message    TEXT,
		error_message       TEXT,
		exit_code           INTEGER,
		pr_url              TEXT,
		pr_number           INTEGER,
		branch_name         TEXT,
		started_at          DATETIME NOT NULL,
		finished_at         DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_claude_runs_task ON claude_runs(task_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_claude_runs_status ON claude_runs(status, started_at);

	CREATE TABLE IF NOT EXISTS task_links (
		id         TEXT PRIMARY KEY,
		from_task  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		to_task    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL DEFAULT 'relates_to',
		created_at DATETIME NOT NULL,
		UNIQUE(from_task, to_task, kind)
	);

	CREATE TABLE IF NOT EXISTS task_prs (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		claude_run_id TEXT REFERENCES claude_runs(id) ON DELETE SET NULL,
		pr_url        TEXT NOT NULL,
		pr_number     INTEGER NOT NULL,
		branch_name   TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL,
		UNIQUE(task_id, pr_url)
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		filename   TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		last_used  DATETIME
	);
	`

	_, err := d.db.Exec(schema)
	return err
}
