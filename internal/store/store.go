// Package store owns the relational schema and all write paths. DuckDB
// does not support concurrent writers, so every mutation — single upsert,
// batch insert, bulk load, trace update — is serialized through one
// connection guarded by a store-level mutex. Reads go straight to the
// pool (which is pinned to a single connection anyway).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log *slog.Logger
}

// Open creates or opens the index database and ensures the schema
// exists. This is the only startup-fatal failure point in the system.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}

	// DuckDB works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"INSTALL json", "LOAD json"} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}

	s := &Store{db: db, log: slog.With("component", "store")}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the read surface for collaborators. Callers must not write
// through it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a single write statement under the writer lock.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// WriteTx runs fn inside one transaction under the writer lock. Used by
// batch ingestion so a whole batch commits or rolls back together.
func (s *Store) WriteTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id            VARCHAR PRIMARY KEY,
		project_id    VARCHAR,
		directory     VARCHAR,
		parent_id     VARCHAR,
		title         VARCHAR,
		version       VARCHAR,
		additions     BIGINT DEFAULT 0,
		deletions     BIGINT DEFAULT 0,
		files_changed BIGINT DEFAULT 0,
		created_at    TIMESTAMP,
		updated_at    TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id               VARCHAR PRIMARY KEY,
		session_id       VARCHAR,
		parent_id        VARCHAR,
		role             VARCHAR,
		agent            VARCHAR,
		model_id         VARCHAR,
		provider_id      VARCHAR,
		mode             VARCHAR,
		cwd              VARCHAR,
		cost             DOUBLE DEFAULT 0,
		finish_reason    VARCHAR,
		tokens_input     BIGINT DEFAULT 0,
		tokens_output    BIGINT DEFAULT 0,
		tokens_reasoning BIGINT DEFAULT 0,
		cache_read       BIGINT DEFAULT 0,
		cache_write      BIGINT DEFAULT 0,
		created_at       TIMESTAMP,
		completed_at     TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS parts (
		id               VARCHAR PRIMARY KEY,
		message_id       VARCHAR,
		session_id       VARCHAR,
		part_type        VARCHAR,
		content          VARCHAR,
		tool_name        VARCHAR,
		call_id          VARCHAR,
		status           VARCHAR,
		input            VARCHAR,
		output           VARCHAR,
		error            VARCHAR,
		child_session_id VARCHAR,
		started_at       TIMESTAMP,
		ended_at         TIMESTAMP,
		duration_ms      BIGINT,
		hash             VARCHAR,
		files            VARCHAR,
		auto_compaction  BOOLEAN DEFAULT FALSE,
		mime             VARCHAR,
		filename         VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS todos (
		id         VARCHAR PRIMARY KEY,
		session_id VARCHAR,
		content    VARCHAR,
		status     VARCHAR,
		priority   VARCHAR,
		position   BIGINT DEFAULT 0,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id         VARCHAR PRIMARY KEY,
		worktree   VARCHAR,
		vcs        VARCHAR,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS delegations (
		id               VARCHAR PRIMARY KEY,
		message_id       VARCHAR,
		session_id       VARCHAR,
		parent_agent     VARCHAR,
		subagent_type    VARCHAR,
		child_session_id VARCHAR,
		created_at       TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS skills (
		id         VARCHAR PRIMARY KEY,
		message_id VARCHAR,
		session_id VARCHAR,
		skill_name VARCHAR,
		loaded_at  TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS file_operations (
		id          VARCHAR PRIMARY KEY,
		session_id  VARCHAR,
		operation   VARCHAR,
		file_path   VARCHAR,
		risk        VARCHAR,
		occurred_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS agent_traces (
		trace_id         VARCHAR PRIMARY KEY,
		session_id       VARCHAR,
		parent_trace_id  VARCHAR,
		parent_agent     VARCHAR,
		agent_type       VARCHAR,
		prompt_input     VARCHAR,
		prompt_output    VARCHAR,
		started_at       TIMESTAMP,
		ended_at         TIMESTAMP,
		duration_ms      BIGINT,
		tokens_in        BIGINT DEFAULT 0,
		tokens_out       BIGINT DEFAULT 0,
		status           VARCHAR,
		child_session_id VARCHAR,
		kind             VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS file_index (
		path       VARCHAR PRIMARY KEY,
		file_type  VARCHAR,
		mtime_ms   BIGINT,
		size_bytes BIGINT,
		record_id  VARCHAR,
		error      VARCHAR,
		indexed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_parts_message ON parts(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_parts_session ON parts(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_todos_session ON todos(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_session ON agent_traces(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_child ON agent_traces(child_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_file_index_type ON file_index(file_type)`,
}

// tsArg converts an optional timestamp to a driver argument.
func tsArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
