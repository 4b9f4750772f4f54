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

	"github.com/teradata-labs/mnemo/pkg/types"
)

// TimelineKind identifies the record kind of a timeline entry.
type TimelineKind string

const (
	TimelineObservation TimelineKind = "observation"
	TimelinePrompt      TimelineKind = "user_prompt"
	TimelineSummary     TimelineKind = "summary"
)

// TimelineEntry is one record on the unified timeline. Exactly one of the
// payload fields is set, matching Kind.
type TimelineEntry struct {
	Kind        TimelineKind          `json:"kind"`
	Timestamp   time.Time             `json:"timestamp"`
	Observation *types.Observation    `json:"observation,omitempty"`
	Prompt      *types.UserPrompt     `json:"user_prompt,omitempty"`
	Summary     *types.SessionSummary `json:"summary,omitempty"`

	// IsAnchor marks the entry the timeline was expanded around.
	IsAnchor bool `json:"is_anchor,omitempty"`
}

// timelineRef is an id on the unified timeline, ordered by (ts, kind, id).
type timelineRef struct {
	kind TimelineKind
	id   int64
	ts   int64
}

// GetTimelineAround returns the anchor record plus up to `before` records
// older and `after` records newer than it, merged across observations,
// prompts and summaries and ordered chronologically. Depth counts records of
// any kind, not per kind. With before=0 and after=0 only the anchor is
// returned. The project filter, when non-empty, restricts neighbors to that
// project.
func (s *Store) GetTimelineAround(kind TimelineKind, anchorID int64, before, after int, project string) ([]*TimelineEntry, error) {
	anchorTS, err := s.timelineAnchorTime(kind, anchorID)
	if err != nil {
		return nil, err
	}

	older, err := s.timelineNeighbors(anchorTS, kind, anchorID, project, before, true)
	if err != nil {
		return nil, err
	}
	newer, err := s.timelineNeighbors(anchorTS, kind, anchorID, project, after, false)
	if err != nil {
		return nil, err
	}

	refs := make([]timelineRef, 0, len(older)+len(newer)+1)
	// older comes back newest-first; reverse into chronological order.
	for i := len(older) - 1; i >= 0; i-- {
		refs = append(refs, older[i])
	}
	refs = append(refs, timelineRef{kind: kind, id: anchorID, ts: anchorTS})
	refs = append(refs, newer...)

	return s.resolveTimeline(refs, kind, anchorID)
}

// NearestTimelineAnchor resolves a timestamp to the entry closest in time,
// for timeline requests anchored on a moment rather than a record id.
func (s *Store) NearestTimelineAnchor(ts time.Time, project string) (TimelineKind, int64, error) {
	unit := func(table, kind, projectCol string) (string, []any) {
		q := "SELECT '" + kind + "' AS kind, id, created_at FROM " + table
		var args []any
		if project != "" {
			if projectCol == "" {
				q += " WHERE agent_session_id IN (SELECT agent_session_id FROM sessions WHERE project = ?)"
			} else {
				q += " WHERE " + projectCol + " = ?"
			}
			args = append(args, project)
		}
		return q, args
	}

	obsQ, obsArgs := unit("observations", string(TimelineObservation), "project")
	promptQ, promptArgs := unit("user_prompts", string(TimelinePrompt), "")
	sumQ, sumArgs := unit("session_summaries", string(TimelineSummary), "project")

	query := "SELECT kind, id, created_at FROM (" +
		obsQ + " UNION ALL " + promptQ + " UNION ALL " + sumQ +
		") ORDER BY ABS(created_at - ?) LIMIT 1"
	args := append(append(append(obsArgs, promptArgs...), sumArgs...), toMillis(ts))

	var (
		kind string
		id   int64
		at   int64
	)
	if err := s.db.QueryRow(query, args...).Scan(&kind, &id, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("nearest timeline anchor: %w", err)
	}
	return TimelineKind(kind), id, nil
}

func (s *Store) timelineAnchorTime(kind TimelineKind, id int64) (int64, error) {
	var table string
	switch kind {
	case TimelineObservation:
		table = "observations"
	case TimelinePrompt:
		table = "user_prompts"
	case TimelineSummary:
		table = "session_summaries"
	default:
		return 0, fmt.Errorf("unknown timeline kind %q", kind)
	}
	var ts int64
	err := s.db.QueryRow("SELECT created_at FROM "+table+" WHERE id = ?", id).Scan(&ts)
	if err != nil {
		return 0, ErrNotFound
	}
	return ts, nil
}

// timelineNeighbors returns up to limit refs strictly on one side of the
// anchor. Ties on created_at break on (kind, id) so the ordering is total
// and an entry is never on both sides.
func (s *Store) timelineNeighbors(anchorTS int64, anchorKind TimelineKind, anchorID int64, project string, limit int, older bool) ([]timelineRef, error) {
	if limit <= 0 {
		return nil, nil
	}

	cmp, order := ">", "ASC"
	if older {
		cmp, order = "<", "DESC"
	}

	projFilterObs, projFilterSum, projJoinPrompt := "", "", ""
	var args []any
	unit := func() []any {
		a := []any{anchorTS, anchorTS, string(anchorKind), string(anchorKind), anchorID}
		if project != "" {
			a = append(a, project)
		}
		return a
	}
	if project != "" {
		projFilterObs = " AND project = ?"
		projFilterSum = " AND project = ?"
		projJoinPrompt = " AND agent_session_id IN (SELECT agent_session_id FROM sessions WHERE project = ?)"
	}

	// Each branch applies the same lexicographic (ts, kind, id) cut.
	cut := func(kind string) string {
		return fmt.Sprintf(
			"(created_at %s ? OR (created_at = ? AND ('%s' %s ? OR ('%s' = ? AND id %s ?))))",
			cmp, kind, cmp, kind, cmp)
	}

	query := fmt.Sprintf(`
		SELECT kind, id, ts FROM (
			SELECT 'observation' AS kind, id, created_at AS ts FROM observations
				WHERE %s%s
			UNION ALL
			SELECT 'user_prompt' AS kind, id, created_at AS ts FROM user_prompts
				WHERE %s%s
			UNION ALL
			SELECT 'summary' AS kind, id, created_at AS ts FROM session_summaries
				WHERE %s%s
		)
		ORDER BY ts %s, kind %s, id %s
		LIMIT ?
	`, cut("observation"), projFilterObs,
		cut("user_prompt"), projJoinPrompt,
		cut("summary"), projFilterSum,
		order, order, order)

	args = append(args, unit()...)
	args = append(args, unit()...)
	args = append(args, unit()...)
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline neighbors: %w", err)
	}
	defer rows.Close()

	var refs []timelineRef
	for rows.Next() {
		var r timelineRef
		var k string
		if err := rows.Scan(&k, &r.id, &r.ts); err != nil {
			return nil, err
		}
		r.kind = TimelineKind(k)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// resolveTimeline hydrates refs into full entries, preserving order.
func (s *Store) resolveTimeline(refs []timelineRef, anchorKind TimelineKind, anchorID int64) ([]*TimelineEntry, error) {
	var obsIDs, sumIDs []int64
	var promptIDs []int64
	for _, r := range refs {
		switch r.kind {
		case TimelineObservation:
			obsIDs = append(obsIDs, r.id)
		case TimelineSummary:
			sumIDs = append(sumIDs, r.id)
		case TimelinePrompt:
			promptIDs = append(promptIDs, r.id)
		}
	}

	observations, err := s.GetObservationsByIDs(obsIDs)
	if err != nil {
		return nil, err
	}
	summaries, err := s.GetSummariesByIDs(sumIDs)
	if err != nil {
		return nil, err
	}
	prompts, err := s.getPromptsByIDs(promptIDs)
	if err != nil {
		return nil, err
	}

	obsByID := make(map[int64]*types.Observation, len(observations))
	for _, o := range observations {
		obsByID[o.ID] = o
	}
	sumByID := make(map[int64]*types.SessionSummary, len(summaries))
	for _, sm := range summaries {
		sumByID[sm.ID] = sm
	}
	promptByID := make(map[int64]*types.UserPrompt, len(prompts))
	for _, p := range prompts {
		promptByID[p.ID] = p
	}

	entries := make([]*TimelineEntry, 0, len(refs))
	for _, r := range refs {
		e := &TimelineEntry{
			Kind:      r.kind,
			Timestamp: fromMillis(r.ts),
			IsAnchor:  r.kind == anchorKind && r.id == anchorID,
		}
		switch r.kind {
		case TimelineObservation:
			e.Observation = obsByID[r.id]
			if e.Observation == nil {
				continue
			}
		case TimelineSummary:
			e.Summary = sumByID[r.id]
			if e.Summary == nil {
				continue
			}
		case TimelinePrompt:
			e.Prompt = promptByID[r.id]
			if e.Prompt == nil {
				continue
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) getPromptsByIDs(ids []int64) ([]*types.UserPrompt, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	rows, err := s.db.Query(
		"SELECT "+promptColumns+" FROM user_prompts WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("fetch prompts by ids: %w", err)
	}
	return s.collectPrompts(rows)
}
