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
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/types"
)

// StoreSummary persists a session summary. Summaries are append-only; a
// session accumulates one per summarize request.
func (s *Store) StoreSummary(sum *types.SessionSummary) (*types.SessionSummary, error) {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO session_summaries
			(sdk_session_id, project, request, investigated, learned,
			 completed, next_steps, notes, prompt_number, discovery_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sum.SDKSessionID, sum.Project,
		nullable(sum.Request), nullable(sum.Investigated), nullable(sum.Learned),
		nullable(sum.Completed), nullable(sum.NextSteps), nullable(sum.Notes),
		sum.PromptNumber, sum.DiscoveryTokens, toMillis(sum.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("store summary: %w", err)
	}

	sum.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("summary insert id: %w", err)
	}

	s.logger.Debug("summary stored",
		zap.Int64("id", sum.ID),
		zap.String("session", sum.SDKSessionID))
	return sum, nil
}

const summaryColumns = `id, sdk_session_id, project, request, investigated, learned,
	completed, next_steps, notes, prompt_number, discovery_tokens, created_at`

func scanSummary(row interface{ Scan(...any) error }) (*types.SessionSummary, error) {
	var (
		sum                                             types.SessionSummary
		request, investigated, learned                  sql.NullString
		completed, nextSteps, notes                     sql.NullString
		promptNumber                                    sql.NullInt64
		createdAt                                       int64
	)
	err := row.Scan(&sum.ID, &sum.SDKSessionID, &sum.Project,
		&request, &investigated, &learned, &completed, &nextSteps, &notes,
		&promptNumber, &sum.DiscoveryTokens, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sum.Request = fromNull(request)
	sum.Investigated = fromNull(investigated)
	sum.Learned = fromNull(learned)
	sum.Completed = fromNull(completed)
	sum.NextSteps = fromNull(nextSteps)
	sum.Notes = fromNull(notes)
	sum.PromptNumber = int(promptNumber.Int64)
	sum.CreatedAt = fromMillis(createdAt)
	return &sum, nil
}

func (s *Store) collectSummaries(rows *sql.Rows) ([]*types.SessionSummary, error) {
	defer rows.Close()
	var out []*types.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetSummary looks up a single summary by id.
func (s *Store) GetSummary(id int64) (*types.SessionSummary, error) {
	row := s.db.QueryRow(
		"SELECT "+summaryColumns+" FROM session_summaries WHERE id = ?", id)
	return scanSummary(row)
}

// GetSummariesByIDs fetches the given ids, preserving order.
func (s *Store) GetSummariesByIDs(ids []int64) ([]*types.SessionSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(
		"SELECT "+summaryColumns+" FROM session_summaries WHERE id IN ("+placeholders[:len(placeholders)-1]+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("fetch summaries by ids: %w", err)
	}
	fetched, err := s.collectSummaries(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*types.SessionSummary, len(fetched))
	for _, sum := range fetched {
		byID[sum.ID] = sum
	}
	out := make([]*types.SessionSummary, 0, len(fetched))
	for _, id := range ids {
		if sum, ok := byID[id]; ok {
			out = append(out, sum)
		}
	}
	return out, nil
}

// GetRecentSummaries returns the most recent summaries, optionally filtered
// by project, newest first.
func (s *Store) GetRecentSummaries(project string, limit int) ([]*types.SessionSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	query := "SELECT " + summaryColumns + " FROM session_summaries"
	args := []any{}
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	return s.collectSummaries(rows)
}

// GetSessionSummaries returns all summaries of one session, oldest first.
func (s *Store) GetSessionSummaries(agentSessionID string) ([]*types.SessionSummary, error) {
	rows, err := s.db.Query(
		"SELECT "+summaryColumns+" FROM session_summaries WHERE sdk_session_id = ? ORDER BY created_at, id",
		agentSessionID)
	if err != nil {
		return nil, fmt.Errorf("session summaries: %w", err)
	}
	return s.collectSummaries(rows)
}

// SearchSummaries runs an FTS5 match over the summary index, ranked by BM25.
func (s *Store) SearchSummaries(query string, filter SearchFilter) ([]*types.SessionSummary, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `
		SELECT ` + prefixColumns("s.", summaryColumns) + `
		FROM summaries_fts f
		JOIN session_summaries s ON s.id = f.summary_id
		WHERE summaries_fts MATCH ?`
	args := []any{match}

	if filter.Project != "" {
		sqlQuery += " AND s.project = ?"
		args = append(args, filter.Project)
	}
	if !filter.Since.IsZero() {
		sqlQuery += " AND s.created_at >= ?"
		args = append(args, toMillis(filter.Since))
	}
	if !filter.Until.IsZero() {
		sqlQuery += " AND s.created_at <= ?"
		args = append(args, toMillis(filter.Until))
	}
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	return s.collectSummaries(rows)
}

// FilterSummaries lists summaries matching the filter without a text query,
// newest first.
func (s *Store) FilterSummaries(filter SearchFilter) ([]*types.SessionSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	query := "SELECT " + summaryColumns + " FROM session_summaries WHERE 1=1"
	args := []any{}
	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, toMillis(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, toMillis(filter.Until))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter summaries: %w", err)
	}
	return s.collectSummaries(rows)
}

// AllSummaries lists every summary ordered by id, for index rebuilds.
func (s *Store) AllSummaries() ([]*types.SessionSummary, error) {
	rows, err := s.db.Query("SELECT " + summaryColumns + " FROM session_summaries ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("all summaries: %w", err)
	}
	return s.collectSummaries(rows)
}
