package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed Store.
//
// It keeps everything in a single database file and needs no external
// service, which makes it the default backend for single-node deployments
// and for tests (use ":memory:").
//
// WAL mode is enabled so readers do not block behind the single writer.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLite opens (and if needed creates) the database at path and runs the
// schema migration.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{sqlStore: sqlStore{db: db}, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// schemaDDL sticks to the DDL subset both SQLite and MySQL accept.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS orch_sessions (
		id VARCHAR(64) PRIMARY KEY,
		client VARCHAR(64) NOT NULL,
		flow_ref VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		current_index INTEGER NOT NULL DEFAULT 0,
		runner_session_id VARCHAR(64) NOT NULL,
		created_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orch_steps (
		id VARCHAR(64) PRIMARY KEY,
		orch_id VARCHAR(64) NOT NULL,
		idx INTEGER NOT NULL,
		name VARCHAR(255) NOT NULL,
		role VARCHAR(255) NOT NULL,
		gate VARCHAR(32) NOT NULL,
		status VARCHAR(32) NOT NULL,
		result TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS runner_sessions (
		id VARCHAR(64) PRIMARY KEY,
		client VARCHAR(64) NOT NULL,
		flow_ref VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		quota_tokens BIGINT,
		spent_tokens BIGINT NOT NULL DEFAULT 0,
		created_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		client VARCHAR(64) NOT NULL,
		agent_id VARCHAR(128) NOT NULL,
		ref VARCHAR(255) NOT NULL,
		roles TEXT NOT NULL,
		PRIMARY KEY (client, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		project_key VARCHAR(128) PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id VARCHAR(64) PRIMARY KEY,
		project_key VARCHAR(128) NOT NULL,
		session_id VARCHAR(64) NOT NULL UNIQUE,
		title VARCHAR(255) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thread_participants (
		thread_id VARCHAR(64) NOT NULL,
		agent_ref VARCHAR(255) NOT NULL,
		PRIMARY KEY (thread_id, agent_ref)
	)`,
	`CREATE TABLE IF NOT EXISTS thread_messages (
		id VARCHAR(64) PRIMARY KEY,
		thread_id VARCHAR(64) NOT NULL,
		sender VARCHAR(255) NOT NULL,
		content TEXT,
		created_at VARCHAR(40) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orch_steps_orch ON orch_steps (orch_id, idx)`,
	`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages (thread_id)`,
}
