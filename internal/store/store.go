// Package store provides SQLite-backed persistence for orchestration
// state: the decision audit trail, per-project decision-mode overrides
// and adoption metrics.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the state database. It is separate from the vector-backed
// agent memory; this database holds plain relational state only.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	audit_id TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	decision_source TEXT NOT NULL,
	rule_based TEXT NOT NULL,
	candidates TEXT NOT NULL,
	approved TEXT NOT NULL,
	applied TEXT NOT NULL,
	confidence_scores TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_records(project_id, created_at);

CREATE TABLE IF NOT EXISTS decision_modes (
	project_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	confidence_threshold REAL NOT NULL,
	enable_task_count_adjustment INTEGER NOT NULL,
	enable_sprint_duration_adjustment INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS adoption_metrics (
	project_id TEXT PRIMARY KEY,
	intelligence_invocations INTEGER NOT NULL DEFAULT 0,
	recommendations_generated INTEGER NOT NULL DEFAULT 0,
	adjustments_applied INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);
`

// Open creates or opens the state database at the given path and
// ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
