// Package store implements the durable storage layer for sandclaw,
// backed by SQLite. It is the sole owner of scheduled tasks, task run
// logs, chat history, and processed-email markers; the scheduler and
// orchestrator hold no authoritative copies across cycles.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database connection.
type Store struct {
	DB *sql.DB
}

// Config holds SQLite-specific options.
type Config struct {
	Path          string
	BusyTimeoutMs int
}

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/sandclaw.db"
	}
	if cfg.BusyTimeoutMs == 0 {
		cfg.BusyTimeoutMs = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.BusyTimeoutMs)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// migrate applies the schema. The DDL is idempotent (IF NOT EXISTS);
// the schema_version table records the applied version.
func (s *Store) migrate() error {
	if _, err := s.DB.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	_, err := s.DB.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (1)")
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

const schema = `
-- Known chats per group
CREATE TABLE IF NOT EXISTS chats (
    id         TEXT PRIMARY KEY,
    group_key  TEXT NOT NULL,
    name       TEXT DEFAULT '',
    channel    TEXT DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_group ON chats(group_key);

-- Conversation history
CREATE TABLE IF NOT EXISTS messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id    TEXT NOT NULL,
    sender     TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);

-- Scheduled tasks
CREATE TABLE IF NOT EXISTS scheduled_tasks (
    id             TEXT PRIMARY KEY,
    group_key      TEXT NOT NULL,
    chat_id        TEXT NOT NULL,
    prompt         TEXT NOT NULL,
    schedule_type  TEXT NOT NULL,
    schedule_value TEXT NOT NULL,
    context_mode   TEXT NOT NULL DEFAULT 'group',
    status         TEXT NOT NULL DEFAULT 'active',
    next_run       TEXT,
    last_run       TEXT,
    last_result    TEXT DEFAULT '',
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON scheduled_tasks(group_key);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);

-- Task execution log (append-only)
CREATE TABLE IF NOT EXISTS task_run_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL,
    run_at      TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    result      TEXT DEFAULT '',
    error       TEXT,
    FOREIGN KEY (task_id) REFERENCES scheduled_tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_logs_task ON task_run_logs(task_id);
CREATE INDEX IF NOT EXISTS idx_run_logs_run_at ON task_run_logs(run_at);

-- Processed inbound emails (dedup markers)
CREATE TABLE IF NOT EXISTS processed_emails (
    message_id   TEXT PRIMARY KEY,
    group_key    TEXT DEFAULT '',
    processed_at TEXT NOT NULL
);
`
