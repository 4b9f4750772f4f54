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
	"fmt"
	"strings"

	"github.com/teradata-labs/mnemo/pkg/types"
)

// Counts is the aggregate row-count snapshot reported by the stats endpoint.
type Counts struct {
	Sessions       int64 `json:"sessions"`
	ActiveSessions int64 `json:"active_sessions"`
	Observations   int64 `json:"observations"`
	Summaries      int64 `json:"summaries"`
	Prompts        int64 `json:"prompts"`
}

// GetCounts returns aggregate row counts, optionally scoped to a project.
func (s *Store) GetCounts(project string) (*Counts, error) {
	c := &Counts{}
	type target struct {
		dest    *int64
		query   string
		project bool
	}
	targets := []target{
		{&c.Sessions, "SELECT COUNT(*) FROM sessions", true},
		{&c.ActiveSessions, "SELECT COUNT(*) FROM sessions WHERE status = 'active'", true},
		{&c.Observations, "SELECT COUNT(*) FROM observations", true},
		{&c.Summaries, "SELECT COUNT(*) FROM session_summaries", true},
		{&c.Prompts, "SELECT COUNT(*) FROM user_prompts", false},
	}
	for _, t := range targets {
		query := t.query
		args := []any{}
		if project != "" && t.project {
			if strings.Contains(query, "WHERE") {
				query += " AND project = ?"
			} else {
				query += " WHERE project = ?"
			}
			args = append(args, project)
		}
		if err := s.db.QueryRow(query, args...).Scan(t.dest); err != nil {
			return nil, fmt.Errorf("count query: %w", err)
		}
	}
	return c, nil
}

// EstimateReadTokens approximates the token cost of re-reading a set of
// observations: ceil(chars/4) per record, summed.
func EstimateReadTokens(observations []*types.Observation) int {
	total := 0
	for _, obs := range observations {
		chars := len(obs.SearchText())
		total += (chars + 3) / 4
	}
	return total
}

// ComputeTokenStats derives the reuse-savings economics for a set of
// observations: ReadTokens is the estimated cost of consuming the stored
// records, WorkTokens is what the generator actually spent producing them.
// Savings never goes negative in the percent figure.
func ComputeTokenStats(observations []*types.Observation) types.TokenStats {
	stats := types.TokenStats{}
	stats.ReadTokens = EstimateReadTokens(observations)
	for _, obs := range observations {
		stats.WorkTokens += obs.DiscoveryTokens
	}
	stats.Savings = stats.WorkTokens - stats.ReadTokens
	if stats.WorkTokens > 0 && stats.Savings > 0 {
		stats.SavingsPercent = float64(stats.Savings) / float64(stats.WorkTokens) * 100
	}
	return stats
}
