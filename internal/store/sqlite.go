// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides SQLite-backed persistence for workflow revisions,
// executions and their step results.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// DB wraps the SQLite connection shared by the revision and execution stores.
type DB struct {
	db *sql.DB
}

// Open opens the database, configures the connection pool and runs the
// schema migrations.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode for concurrent readers alongside the single writer
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// Each connection to :memory: is a distinct database
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &DB{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *DB) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		// One row per stored revision, keyed by (namespace, workflow_id, version).
		// Timestamps are Unix nanoseconds; parameters and steps are JSON text;
		// source holds the author's original document verbatim.
		`CREATE TABLE IF NOT EXISTS workflow_revisions (
			namespace TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			parameters TEXT NOT NULL,
			steps TEXT NOT NULL,
			source TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, workflow_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_revisions_active
			ON workflow_revisions(namespace, workflow_id) WHERE active = 1`,

		// One row per execution
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			input_parameters TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			last_updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow
			ON workflow_executions(namespace, workflow_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status
			ON workflow_executions(status)`,

		// Append-only step results, dense per execution by step_index
		`CREATE TABLE IF NOT EXISTS execution_step_results (
			result_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			error_details TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			UNIQUE (execution_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_execution
			ON execution_step_results(execution_id, step_index)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// SQL returns the underlying database handle.
// This is exported for testing and advanced use cases.
func (s *DB) SQL() *sql.DB {
	return s.db
}
