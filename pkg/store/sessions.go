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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/types"
)

// EnsureSessionParams are the inputs to EnsureSession.
type EnsureSessionParams struct {
	AgentSessionID string
	Platform       string
	Project        string
	UserPrompt     string
	WorkerPort     int
}

// EnsureSession creates the session row on first sight of an agent session id
// and bumps its prompt counter on every subsequent call. The whole operation
// is one transaction: concurrent ensures for the same id serialize on the
// UNIQUE constraint, so exactly one caller observes created=true. When
// UserPrompt is non-empty a prompt row is recorded with the new counter value.
func (s *Store) EnsureSession(p EnsureSessionParams) (sess *types.Session, created bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin ensure session: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now()

	var (
		id         int64
		counter    int
		status     string
		workerPort sql.NullInt64
		project    string
	)
	err = tx.QueryRow(`
		INSERT INTO sessions (agent_session_id, platform, project, started_at, status, prompt_counter, user_prompt, worker_port)
		VALUES (?, ?, ?, ?, 'active', 1, ?, ?)
		ON CONFLICT (agent_session_id) DO UPDATE SET
			prompt_counter = prompt_counter + 1,
			user_prompt = COALESCE(excluded.user_prompt, user_prompt),
			worker_port = COALESCE(excluded.worker_port, worker_port),
			project = CASE WHEN excluded.project != '' THEN excluded.project ELSE project END
		RETURNING id, prompt_counter, status, worker_port, project
	`, p.AgentSessionID, p.Platform, p.Project, toMillis(now),
		nullable(p.UserPrompt), nullableInt(p.WorkerPort),
	).Scan(&id, &counter, &status, &workerPort, &project)
	if err != nil {
		return nil, false, fmt.Errorf("ensure session %q: %w", p.AgentSessionID, err)
	}

	created = counter == 1

	if p.UserPrompt != "" {
		_, err = tx.Exec(`
			INSERT INTO user_prompts (agent_session_id, prompt_number, prompt_text, created_at)
			VALUES (?, ?, ?, ?)
		`, p.AgentSessionID, counter, p.UserPrompt, toMillis(now))
		if err != nil {
			return nil, false, fmt.Errorf("record prompt for %q: %w", p.AgentSessionID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit ensure session: %w", err)
	}

	sess = &types.Session{
		ID:             id,
		AgentSessionID: p.AgentSessionID,
		Platform:       p.Platform,
		Project:        project,
		StartedAt:      now,
		Status:         types.SessionStatus(status),
		PromptCounter:  counter,
		UserPrompt:     p.UserPrompt,
		WorkerPort:     int(workerPort.Int64),
	}

	if created {
		s.logger.Info("session created",
			zap.String("agent_session_id", p.AgentSessionID),
			zap.String("project", p.Project),
			zap.Int64("id", id))
	} else {
		s.logger.Debug("session prompt counter bumped",
			zap.String("agent_session_id", p.AgentSessionID),
			zap.Int("prompt_counter", counter))
	}
	return sess, created, nil
}

// MarkCompleted transitions a session to completed and stamps completed_at.
// Completing an already-terminal session is a no-op.
func (s *Store) MarkCompleted(agentSessionID string) error {
	return s.markTerminal(agentSessionID, types.SessionCompleted)
}

// MarkFailed transitions a session to failed.
func (s *Store) MarkFailed(agentSessionID string) error {
	return s.markTerminal(agentSessionID, types.SessionFailed)
}

func (s *Store) markTerminal(agentSessionID string, status types.SessionStatus) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, completed_at = ?
		WHERE agent_session_id = ? AND status = 'active'
	`, string(status), toMillis(time.Now()), agentSessionID)
	if err != nil {
		return fmt.Errorf("mark session %q %s: %w", agentSessionID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("session already terminal or unknown",
			zap.String("agent_session_id", agentSessionID),
			zap.String("status", string(status)))
	}
	return nil
}

const sessionColumns = `id, agent_session_id, platform, project, started_at, completed_at, status, prompt_counter, user_prompt, worker_port`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var (
		sess        types.Session
		startedAt   int64
		completedAt sql.NullInt64
		userPrompt  sql.NullString
		workerPort  sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.AgentSessionID, &sess.Platform, &sess.Project,
		&startedAt, &completedAt, &sess.Status, &sess.PromptCounter, &userPrompt, &workerPort)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.StartedAt = fromMillis(startedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		sess.CompletedAt = &t
	}
	sess.UserPrompt = fromNull(userPrompt)
	sess.WorkerPort = int(workerPort.Int64)
	return &sess, nil
}

// GetSession looks up a session by its agent session id.
func (s *Store) GetSession(agentSessionID string) (*types.Session, error) {
	row := s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE agent_session_id = ?", agentSessionID)
	return scanSession(row)
}

// GetSessionByID looks up a session by its internal database id.
func (s *Store) GetSessionByID(id int64) (*types.Session, error) {
	row := s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// ListActiveSessions returns all sessions currently in the active state.
func (s *Store) ListActiveSessions() ([]*types.Session, error) {
	rows, err := s.db.Query(
		"SELECT " + sessionColumns + " FROM sessions WHERE status = 'active' ORDER BY started_at")
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetUniqueProjects returns the distinct project names seen across all
// sessions, most recently active first.
func (s *Store) GetUniqueProjects() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT project FROM sessions
		WHERE project != ''
		GROUP BY project
		ORDER BY MAX(started_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeletedRecords reports which rows a DeleteSession removed, so callers can
// purge the matching vector entries.
type DeletedRecords struct {
	ObservationIDs []int64
	SummaryIDs     []int64
}

// DeleteSession removes a session and all rows derived from it: prompts (via
// foreign key cascade), observations and summaries, plus their FTS entries
// (via triggers). Returns the ids of deleted observations and summaries.
func (s *Store) DeleteSession(agentSessionID string) (*DeletedRecords, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM sessions WHERE agent_session_id = ?", agentSessionID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session %q: %w", agentSessionID, err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	deleted := &DeletedRecords{}

	collect := func(query string) ([]int64, error) {
		rows, err := tx.Query(query, agentSessionID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	if deleted.ObservationIDs, err = collect(
		"SELECT id FROM observations WHERE sdk_session_id = ?"); err != nil {
		return nil, fmt.Errorf("collect observations for %q: %w", agentSessionID, err)
	}
	if deleted.SummaryIDs, err = collect(
		"SELECT id FROM session_summaries WHERE sdk_session_id = ?"); err != nil {
		return nil, fmt.Errorf("collect summaries for %q: %w", agentSessionID, err)
	}

	for _, stmt := range []string{
		"DELETE FROM observations WHERE sdk_session_id = ?",
		"DELETE FROM session_summaries WHERE sdk_session_id = ?",
		"DELETE FROM sessions WHERE agent_session_id = ?",
	} {
		if _, err := tx.Exec(stmt, agentSessionID); err != nil {
			return nil, fmt.Errorf("delete session %q: %w", agentSessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete session: %w", err)
	}

	s.logger.Info("session deleted",
		zap.String("agent_session_id", agentSessionID),
		zap.Int("observations", len(deleted.ObservationIDs)),
		zap.Int("summaries", len(deleted.SummaryIDs)))
	return deleted, nil
}

// StaleActiveSessions returns active sessions whose latest activity (session
// start, prompt, observation or summary) is older than the cutoff. Used by
// the idle reaper.
func (s *Store) StaleActiveSessions(cutoff time.Time) ([]*types.Session, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions s
		WHERE s.status = 'active' AND (
			SELECT MAX(ts) FROM (
				SELECT s.started_at AS ts
				UNION ALL
				SELECT MAX(created_at) FROM user_prompts WHERE agent_session_id = s.agent_session_id
				UNION ALL
				SELECT MAX(created_at) FROM observations WHERE sdk_session_id = s.agent_session_id
				UNION ALL
				SELECT MAX(created_at) FROM session_summaries WHERE sdk_session_id = s.agent_session_id
			)
		) < ?
	`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullableInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
