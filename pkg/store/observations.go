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

// StoreObservation persists a new observation. The type is coerced to the
// closed set before writing so the database never holds an unknown type.
// Returns the stored record with its assigned id and timestamp.
func (s *Store) StoreObservation(obs *types.Observation) (*types.Observation, error) {
	obs.Type = types.CoerceObservationType(string(obs.Type))
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO observations
			(sdk_session_id, project, type, title, subtitle, narrative,
			 facts, concepts, files_read, files_modified,
			 prompt_number, discovery_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, obs.SDKSessionID, obs.Project, string(obs.Type),
		nullable(obs.Title), nullable(obs.Subtitle), nullable(obs.Narrative),
		encodeList(obs.Facts), encodeList(obs.Concepts),
		encodeList(obs.FilesRead), encodeList(obs.FilesModified),
		obs.PromptNumber, obs.DiscoveryTokens, toMillis(obs.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("store observation: %w", err)
	}

	obs.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("observation insert id: %w", err)
	}

	s.logger.Debug("observation stored",
		zap.Int64("id", obs.ID),
		zap.String("session", obs.SDKSessionID),
		zap.String("type", string(obs.Type)))
	return obs, nil
}

const observationColumns = `id, sdk_session_id, project, type, title, subtitle, narrative,
	facts, concepts, files_read, files_modified, prompt_number, discovery_tokens, created_at`

func scanObservation(row interface{ Scan(...any) error }) (*types.Observation, error) {
	var (
		obs                       types.Observation
		title, subtitle, narrtext sql.NullString
		facts, concepts           sql.NullString
		filesRead, filesModified  sql.NullString
		promptNumber              sql.NullInt64
		createdAt                 int64
	)
	err := row.Scan(&obs.ID, &obs.SDKSessionID, &obs.Project, &obs.Type,
		&title, &subtitle, &narrtext, &facts, &concepts, &filesRead, &filesModified,
		&promptNumber, &obs.DiscoveryTokens, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	obs.Title = fromNull(title)
	obs.Subtitle = fromNull(subtitle)
	obs.Narrative = fromNull(narrtext)
	obs.Facts = decodeList(facts)
	obs.Concepts = decodeList(concepts)
	obs.FilesRead = decodeList(filesRead)
	obs.FilesModified = decodeList(filesModified)
	obs.PromptNumber = int(promptNumber.Int64)
	obs.CreatedAt = fromMillis(createdAt)
	return &obs, nil
}

func (s *Store) collectObservations(rows *sql.Rows) ([]*types.Observation, error) {
	defer rows.Close()
	var out []*types.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// GetObservation looks up a single observation by id.
func (s *Store) GetObservation(id int64) (*types.Observation, error) {
	row := s.db.QueryRow(
		"SELECT "+observationColumns+" FROM observations WHERE id = ?", id)
	return scanObservation(row)
}

// GetObservationsByIDs fetches the given ids, preserving the order of ids.
// Missing ids are silently skipped.
func (s *Store) GetObservationsByIDs(ids []int64) ([]*types.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(
		"SELECT "+observationColumns+" FROM observations WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("fetch observations by ids: %w", err)
	}
	fetched, err := s.collectObservations(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*types.Observation, len(fetched))
	for _, obs := range fetched {
		byID[obs.ID] = obs
	}
	out := make([]*types.Observation, 0, len(fetched))
	for _, id := range ids {
		if obs, ok := byID[id]; ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

// GetRecentObservations returns the most recent observations, optionally
// filtered by project, newest first.
func (s *Store) GetRecentObservations(project string, limit int) ([]*types.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + observationColumns + " FROM observations"
	args := []any{}
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent observations: %w", err)
	}
	return s.collectObservations(rows)
}

// GetSessionObservations returns all observations of one session in
// chronological order.
func (s *Store) GetSessionObservations(agentSessionID string) ([]*types.Observation, error) {
	rows, err := s.db.Query(
		"SELECT "+observationColumns+" FROM observations WHERE sdk_session_id = ? ORDER BY created_at, id",
		agentSessionID)
	if err != nil {
		return nil, fmt.Errorf("session observations: %w", err)
	}
	return s.collectObservations(rows)
}

// SearchFilter narrows full-text and filter-only searches.
type SearchFilter struct {
	Project string
	// Types restricts observation results to the given types.
	Types []types.ObservationType
	// Since and Until bound created_at. Zero means unbounded.
	Since time.Time
	Until time.Time
	Limit int
}

// SearchObservations runs an FTS5 match over the observation index, ranked
// by BM25, applying the filter. The query is sanitized term-by-term so user
// input can never inject FTS syntax.
func (s *Store) SearchObservations(query string, filter SearchFilter) ([]*types.Observation, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := `
		SELECT ` + prefixColumns("o.", observationColumns) + `
		FROM observations_fts f
		JOIN observations o ON o.id = f.obs_id
		WHERE observations_fts MATCH ?`
	args := []any{match}

	if filter.Project != "" {
		sqlQuery += " AND o.project = ?"
		args = append(args, filter.Project)
	}
	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Types))
		sqlQuery += " AND o.type IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if !filter.Since.IsZero() {
		sqlQuery += " AND o.created_at >= ?"
		args = append(args, toMillis(filter.Since))
	}
	if !filter.Until.IsZero() {
		sqlQuery += " AND o.created_at <= ?"
		args = append(args, toMillis(filter.Until))
	}
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	return s.collectObservations(rows)
}

// FilterObservations lists observations matching the filter without a text
// query, newest first.
func (s *Store) FilterObservations(filter SearchFilter) ([]*types.Observation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	query := "SELECT " + observationColumns + " FROM observations WHERE 1=1"
	args := []any{}
	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Types))
		query += " AND type IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
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
		return nil, fmt.Errorf("filter observations: %w", err)
	}
	return s.collectObservations(rows)
}

// AllObservations lists every observation ordered by id, for index rebuilds.
func (s *Store) AllObservations() ([]*types.Observation, error) {
	rows, err := s.db.Query("SELECT " + observationColumns + " FROM observations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("all observations: %w", err)
	}
	return s.collectObservations(rows)
}

// sanitizeFTSQuery quotes each whitespace-separated term and joins them with
// OR. Double quotes inside terms are stripped. Returns "" when no usable
// terms remain.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// prefixColumns prefixes every column in a comma-separated list, used when a
// column list is reused inside a join.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
