// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration is one schema migration step. The predicate inspects the live
// schema (not just the version table) and reports whether the step still
// needs to run; the version table can disagree with reality after manual
// repairs, so both are consulted. apply must be idempotent.
type migration struct {
	version     int
	description string
	// required marks migrations whose failure leaves the store unusable.
	required  bool
	predicate func(db *sql.DB) (bool, error)
	apply     func(db *sql.DB) error
}

const initialSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_session_id TEXT NOT NULL UNIQUE,
	platform TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	status TEXT NOT NULL DEFAULT 'active',
	prompt_counter INTEGER NOT NULL DEFAULT 0,
	user_prompt TEXT
);

CREATE TABLE IF NOT EXISTS user_prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_session_id TEXT NOT NULL,
	prompt_number INTEGER NOT NULL,
	prompt_text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (agent_session_id) REFERENCES sessions(agent_session_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sdk_session_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'change',
	title TEXT,
	subtitle TEXT,
	narrative TEXT,
	facts TEXT,
	concepts TEXT,
	files_read TEXT,
	files_modified TEXT,
	prompt_number INTEGER,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sdk_session_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	request TEXT,
	investigated TEXT,
	learned TEXT,
	completed TEXT,
	next_steps TEXT,
	notes TEXT,
	prompt_number INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_prompts_session ON user_prompts(agent_session_id);
CREATE INDEX IF NOT EXISTS idx_prompts_created ON user_prompts(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(sdk_session_id);
CREATE INDEX IF NOT EXISTS idx_observations_project_created ON observations(project, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_summaries_session ON session_summaries(sdk_session_id);
CREATE INDEX IF NOT EXISTS idx_summaries_project_created ON session_summaries(project, created_at DESC);

-- FTS5 virtual tables with sync triggers (BM25 ranking)
CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
	obs_id UNINDEXED,
	title,
	subtitle,
	narrative,
	facts,
	concepts,
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS observations_fts_insert AFTER INSERT ON observations
BEGIN
	INSERT INTO observations_fts(obs_id, title, subtitle, narrative, facts, concepts)
	VALUES (NEW.id, NEW.title, NEW.subtitle, NEW.narrative, NEW.facts, NEW.concepts);
END;

CREATE TRIGGER IF NOT EXISTS observations_fts_delete AFTER DELETE ON observations
BEGIN
	DELETE FROM observations_fts WHERE obs_id = OLD.id;
END;

CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
	summary_id UNINDEXED,
	request,
	investigated,
	learned,
	completed,
	next_steps,
	notes,
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS summaries_fts_insert AFTER INSERT ON session_summaries
BEGIN
	INSERT INTO summaries_fts(summary_id, request, investigated, learned, completed, next_steps, notes)
	VALUES (NEW.id, NEW.request, NEW.investigated, NEW.learned, NEW.completed, NEW.next_steps, NEW.notes);
END;

CREATE TRIGGER IF NOT EXISTS summaries_fts_delete AFTER DELETE ON session_summaries
BEGIN
	DELETE FROM summaries_fts WHERE summary_id = OLD.id;
END;

CREATE VIRTUAL TABLE IF NOT EXISTS prompts_fts USING fts5(
	prompt_id UNINDEXED,
	prompt_text,
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS prompts_fts_insert AFTER INSERT ON user_prompts
BEGIN
	INSERT INTO prompts_fts(prompt_id, prompt_text)
	VALUES (NEW.id, NEW.prompt_text);
END;

CREATE TRIGGER IF NOT EXISTS prompts_fts_delete AFTER DELETE ON user_prompts
BEGIN
	DELETE FROM prompts_fts WHERE prompt_id = OLD.id;
END;
`

// migrations is the ordered migration history. Each step re-checks the live
// schema via pragma_table_info before applying, so a database whose version
// table was repaired by hand still converges.
var migrations = []migration{
	{
		version:     1,
		description: "initial_schema",
		required:    true,
		predicate: func(db *sql.DB) (bool, error) {
			exists, err := tableExists(db, "observations")
			return !exists, err
		},
		apply: func(db *sql.DB) error {
			_, err := db.Exec(initialSchema)
			return err
		},
	},
	{
		version:     2,
		description: "add_discovery_tokens",
		required:    true,
		predicate: func(db *sql.DB) (bool, error) {
			ok, err := columnExists(db, "observations", "discovery_tokens")
			return !ok, err
		},
		apply: func(db *sql.DB) error {
			stmts := []string{
				"ALTER TABLE observations ADD COLUMN discovery_tokens INTEGER NOT NULL DEFAULT 0",
				"ALTER TABLE session_summaries ADD COLUMN discovery_tokens INTEGER NOT NULL DEFAULT 0",
			}
			for _, stmt := range stmts {
				if _, err := db.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		version:     3,
		description: "add_worker_port",
		required:    false,
		predicate: func(db *sql.DB) (bool, error) {
			ok, err := columnExists(db, "sessions", "worker_port")
			return !ok, err
		},
		apply: func(db *sql.DB) error {
			_, err := db.Exec("ALTER TABLE sessions ADD COLUMN worker_port INTEGER")
			return err
		},
	},
}

// requiredColumns are verified after migration; a miss is fatal because the
// ingestion path cannot write without them.
var requiredColumns = map[string][]string{
	"sessions":          {"agent_session_id", "platform", "project", "status", "prompt_counter"},
	"observations":      {"sdk_session_id", "type", "discovery_tokens", "created_at"},
	"session_summaries": {"sdk_session_id", "discovery_tokens", "created_at"},
	"user_prompts":      {"agent_session_id", "prompt_number", "prompt_text"},
}

// migrate runs all pending migrations and verifies required columns.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			description TEXT
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedVersions()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		needed, err := m.predicate(s.db)
		if err != nil {
			return fmt.Errorf("migration %d predicate: %w", m.version, err)
		}

		if !needed {
			// Schema is already in shape; make sure the version table agrees.
			if !applied[m.version] {
				s.recordVersion(m.version, m.description)
			}
			continue
		}

		if applied[m.version] {
			s.logger.Warn("schema behind version table; re-applying migration",
				zap.Int("version", m.version),
				zap.String("description", m.description))
		}

		if err := m.apply(s.db); err != nil {
			if m.required {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
			}
			s.logger.Error("optional migration failed; continuing",
				zap.Int("version", m.version),
				zap.String("description", m.description),
				zap.Error(err))
			continue
		}

		s.recordVersion(m.version, m.description)
		s.logger.Info("applied migration",
			zap.Int("version", m.version),
			zap.String("description", m.description))
	}

	return s.verifyRequiredColumns()
}

func (s *Store) appliedVersions() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *Store) recordVersion(version int, description string) {
	_, err := s.db.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?) ON CONFLICT (version) DO NOTHING",
		version, description,
	)
	if err != nil {
		s.logger.Warn("record migration version", zap.Int("version", version), zap.Error(err))
	}
}

// verifyRequiredColumns is the post-migration sanity check. Missing required
// columns indicate corruption or a failed required migration and are fatal.
func (s *Store) verifyRequiredColumns() error {
	for table, cols := range requiredColumns {
		for _, col := range cols {
			ok, err := columnExists(s.db, table, col)
			if err != nil {
				return fmt.Errorf("inspect %s.%s: %w", table, col, err)
			}
			if !ok {
				return fmt.Errorf("required column %s.%s missing after migration", table, col)
			}
		}
	}
	return nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	exists, err := tableExists(db, table)
	if err != nil || !exists {
		return false, err
	}
	var count int
	err = db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
