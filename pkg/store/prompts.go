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

	"github.com/teradata-labs/mnemo/pkg/types"
)

const promptColumns = `id, agent_session_id, prompt_number, prompt_text, created_at`

func scanPrompt(row interface{ Scan(...any) error }) (*types.UserPrompt, error) {
	var (
		p         types.UserPrompt
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.AgentSessionID, &p.PromptNumber, &p.PromptText, &createdAt); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

func (s *Store) collectPrompts(rows *sql.Rows) ([]*types.UserPrompt, error) {
	defer rows.Close()
	var out []*types.UserPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPrompt looks up a single prompt turn by id.
func (s *Store) GetPrompt(id int64) (*types.UserPrompt, error) {
	row := s.db.QueryRow(
		"SELECT "+promptColumns+" FROM user_prompts WHERE id = ?", id)
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetSessionPrompts returns the prompt turns of one session in order.
func (s *Store) GetSessionPrompts(agentSessionID string) ([]*types.UserPrompt, error) {
	rows, err := s.db.Query(
		"SELECT "+promptColumns+" FROM user_prompts WHERE agent_session_id = ? ORDER BY prompt_number",
		agentSessionID)
	if err != nil {
		return nil, fmt.Errorf("session prompts: %w", err)
	}
	return s.collectPrompts(rows)
}

// SearchPrompts runs an FTS5 match over prompt text, ranked by BM25.
// The project filter joins through the sessions table.
func (s *Store) SearchPrompts(query string, filter SearchFilter) ([]*types.UserPrompt, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `
		SELECT ` + prefixColumns("p.", promptColumns) + `
		FROM prompts_fts f
		JOIN user_prompts p ON p.id = f.prompt_id`
	args := []any{}
	if filter.Project != "" {
		sqlQuery += ` JOIN sessions s ON s.agent_session_id = p.agent_session_id`
	}
	sqlQuery += " WHERE prompts_fts MATCH ?"
	args = append(args, match)
	if filter.Project != "" {
		sqlQuery += " AND s.project = ?"
		args = append(args, filter.Project)
	}
	if !filter.Since.IsZero() {
		sqlQuery += " AND p.created_at >= ?"
		args = append(args, toMillis(filter.Since))
	}
	if !filter.Until.IsZero() {
		sqlQuery += " AND p.created_at <= ?"
		args = append(args, toMillis(filter.Until))
	}
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search prompts: %w", err)
	}
	return s.collectPrompts(rows)
}
