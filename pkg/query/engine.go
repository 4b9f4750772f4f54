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

// Package query is the read path: hybrid semantic/full-text retrieval,
// timeline expansion, and the context view an agent fetches at session
// start. Semantic similarity selects the candidate set; recency orders it.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
	"github.com/teradata-labs/mnemo/pkg/vector"
)

const (
	// RecencyWindow bounds text-based retrieval when no explicit date range
	// is given. Older records stay reachable through filters and timelines.
	RecencyWindow = 90 * 24 * time.Hour

	// DefaultLimit and MaxLimit bound search result counts.
	DefaultLimit = 20
	MaxLimit     = 100

	// vectorCandidates is how many records the similarity stage collects
	// before recency ordering and the final limit are applied.
	vectorCandidates = 100
)

// ErrBadRequest marks caller errors the protocol layer maps to HTTP 400.
var ErrBadRequest = errors.New("bad request")

// Engine composes the store and the vector index into the query surface.
type Engine struct {
	store  *store.Store
	index  *vector.Index
	logger *zap.Logger
}

// New creates the engine. index may be nil (semantic search disabled; all
// text queries go to full-text search).
func New(st *store.Store, index *vector.Index, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, index: index, logger: logger}
}

// Filters narrow a search. All fields are optional, but a request without
// text must set at least one.
type Filters struct {
	Project  string
	Types    []types.ObservationType
	Concepts []string
	Files    []string
	Since    time.Time
	Until    time.Time
}

func (f Filters) empty() bool {
	return f.Project == "" && len(f.Types) == 0 && len(f.Concepts) == 0 &&
		len(f.Files) == 0 && f.Since.IsZero() && f.Until.IsZero()
}

// Request is one search call.
type Request struct {
	Text    string
	Filters Filters
	Limit   int
}

func (r Request) validate() error {
	if r.Text == "" && r.Filters.empty() {
		return fmt.Errorf("%w: query text or at least one filter is required", ErrBadRequest)
	}
	for _, t := range r.Filters.Types {
		if !types.ValidObservationType(string(t)) {
			return fmt.Errorf("%w: unknown observation type %q", ErrBadRequest, t)
		}
	}
	return nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// SearchObservations runs the hybrid retrieval pipeline: vector candidates
// when text is given (falling back to full-text search when the index is
// unavailable or empty-handed), direct filtering otherwise; hydrated
// results are ordered newest first.
func (e *Engine) SearchObservations(ctx context.Context, req Request) ([]*types.Observation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit, DefaultLimit, MaxLimit)

	var (
		results []*types.Observation
		err     error
	)
	switch {
	case req.Text != "":
		req.Filters = windowed(req.Filters)
		results = e.vectorObservations(ctx, req)
		if len(results) == 0 {
			results, err = e.store.SearchObservations(req.Text, e.searchFilter(req.Filters, limit))
			if err != nil {
				return nil, err
			}
		}
	default:
		results, err = e.store.FilterObservations(e.searchFilter(req.Filters, limit))
		if err != nil {
			return nil, err
		}
	}

	results = filterObservations(results, req.Filters)
	sortObservationsByRecency(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// vectorObservations collects the semantic candidate set. Failures degrade
// to the full-text fallback rather than failing the request.
func (e *Engine) vectorObservations(ctx context.Context, req Request) []*types.Observation {
	if e.index == nil || !e.index.Enabled() {
		return nil
	}

	typeStrings := make([]string, 0, len(req.Filters.Types))
	for _, t := range req.Filters.Types {
		typeStrings = append(typeStrings, string(t))
	}

	scored, err := e.index.Query(ctx, req.Text, vector.QueryFilter{
		Kind:    vector.KindObservation,
		Project: req.Filters.Project,
		Types:   typeStrings,
		Since:   req.Filters.Since,
		Limit:   vectorCandidates,
	})
	if err != nil {
		e.logger.Warn("vector query failed; falling back to full-text search", zap.Error(err))
		return nil
	}
	if len(scored) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(scored))
	scores := make(map[int64]float64, len(scored))
	for _, s := range scored {
		ids = append(ids, s.RecordID)
		scores[s.RecordID] = s.Score
	}
	hydrated, err := e.store.GetObservationsByIDs(ids)
	if err != nil {
		e.logger.Warn("hydrate vector candidates failed", zap.Error(err))
		return nil
	}
	for _, obs := range hydrated {
		obs.Score = scores[obs.ID]
	}
	return hydrated
}

// SearchSummaries is the summary-kind retrieval pipeline.
func (e *Engine) SearchSummaries(ctx context.Context, req Request) ([]*types.SessionSummary, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	limit := clampLimit(req.Limit, DefaultLimit, MaxLimit)

	var (
		results []*types.SessionSummary
		err     error
	)
	switch {
	case req.Text != "":
		req.Filters = windowed(req.Filters)
		results = e.vectorSummaries(ctx, req)
		if len(results) == 0 {
			results, err = e.store.SearchSummaries(req.Text, e.searchFilter(req.Filters, limit))
			if err != nil {
				return nil, err
			}
		}
	default:
		results, err = e.store.FilterSummaries(e.searchFilter(req.Filters, limit))
		if err != nil {
			return nil, err
		}
	}

	results = filterSummaries(results, req.Filters)
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) vectorSummaries(ctx context.Context, req Request) []*types.SessionSummary {
	if e.index == nil || !e.index.Enabled() {
		return nil
	}
	scored, err := e.index.Query(ctx, req.Text, vector.QueryFilter{
		Kind:    vector.KindSummary,
		Project: req.Filters.Project,
		Since:   req.Filters.Since,
		Limit:   vectorCandidates,
	})
	if err != nil {
		e.logger.Warn("vector query failed; falling back to full-text search", zap.Error(err))
		return nil
	}
	if len(scored) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(scored))
	scores := make(map[int64]float64, len(scored))
	for _, s := range scored {
		ids = append(ids, s.RecordID)
		scores[s.RecordID] = s.Score
	}
	hydrated, err := e.store.GetSummariesByIDs(ids)
	if err != nil {
		e.logger.Warn("hydrate vector candidates failed", zap.Error(err))
		return nil
	}
	for _, sum := range hydrated {
		sum.Score = scores[sum.ID]
	}
	return hydrated
}

// SearchPrompts searches recorded user prompts. Prompts carry no vectors;
// this is always a full-text match.
func (e *Engine) SearchPrompts(_ context.Context, req Request) ([]*types.UserPrompt, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("%w: prompt search requires query text", ErrBadRequest)
	}
	limit := clampLimit(req.Limit, DefaultLimit, MaxLimit)
	return e.store.SearchPrompts(req.Text, e.searchFilter(windowed(req.Filters), limit))
}

// ObservationsByType, ByConcept and ByFile are the specialized entry points;
// they compose SearchObservations with a fixed filter.

func (e *Engine) ObservationsByType(ctx context.Context, obsType types.ObservationType, project string, limit int) ([]*types.Observation, error) {
	return e.SearchObservations(ctx, Request{
		Filters: Filters{Project: project, Types: []types.ObservationType{obsType}},
		Limit:   limit,
	})
}

func (e *Engine) ObservationsByConcept(ctx context.Context, concept, project string, limit int) ([]*types.Observation, error) {
	return e.SearchObservations(ctx, Request{
		Filters: Filters{Project: project, Concepts: []string{concept}},
		Limit:   limit,
	})
}

func (e *Engine) ObservationsByFile(ctx context.Context, file, project string, limit int) ([]*types.Observation, error) {
	return e.SearchObservations(ctx, Request{
		Filters: Filters{Project: project, Files: []string{file}},
		Limit:   limit,
	})
}

// windowed bounds a text search to the recency window when the caller gave
// no explicit date range. Applies to every retrieval path, including the
// full-text fallback; older records stay reachable via dateRange, filters
// and timelines.
func windowed(f Filters) Filters {
	if f.Since.IsZero() && f.Until.IsZero() {
		f.Since = time.Now().Add(-RecencyWindow)
	}
	return f
}

func (e *Engine) searchFilter(f Filters, limit int) store.SearchFilter {
	// Overscan when in-memory concept/file filtering will shrink the set.
	overscan := limit
	if len(f.Concepts) > 0 || len(f.Files) > 0 {
		overscan = limit * 5
		if overscan > 500 {
			overscan = 500
		}
	}
	return store.SearchFilter{
		Project: f.Project,
		Types:   f.Types,
		Since:   f.Since,
		Until:   f.Until,
		Limit:   overscan,
	}
}

// filterObservations applies the filters the storage layers cannot express:
// concept and file membership (JSON lists) and the upper date bound for
// vector results.
func filterObservations(observations []*types.Observation, f Filters) []*types.Observation {
	out := observations[:0]
	for _, obs := range observations {
		if len(f.Concepts) > 0 && !anyFoldMatch(obs.Concepts, f.Concepts) {
			continue
		}
		if len(f.Files) > 0 && !anyFileMatch(obs, f.Files) {
			continue
		}
		if !f.Until.IsZero() && obs.CreatedAt.After(f.Until) {
			continue
		}
		if !f.Since.IsZero() && obs.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, obs)
	}
	return out
}

func filterSummaries(summaries []*types.SessionSummary, f Filters) []*types.SessionSummary {
	out := summaries[:0]
	for _, sum := range summaries {
		if !f.Until.IsZero() && sum.CreatedAt.After(f.Until) {
			continue
		}
		if !f.Since.IsZero() && sum.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, sum)
	}
	return out
}

func anyFoldMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// anyFileMatch matches on path containment so a query for "watch.go" finds
// observations that touched "pkg/fs/watch.go".
func anyFileMatch(obs *types.Observation, files []string) bool {
	for _, want := range files {
		for _, have := range append(obs.FilesRead, obs.FilesModified...) {
			if strings.Contains(have, want) {
				return true
			}
		}
	}
	return false
}

func sortObservationsByRecency(observations []*types.Observation) {
	sort.SliceStable(observations, func(i, j int) bool {
		if !observations[i].CreatedAt.Equal(observations[j].CreatedAt) {
			return observations[i].CreatedAt.After(observations[j].CreatedAt)
		}
		return observations[i].ID > observations[j].ID
	})
}
