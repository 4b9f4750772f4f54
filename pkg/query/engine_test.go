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
package query

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
	"github.com/teradata-labs/mnemo/pkg/vector"
)

// wordEmbedder maps text to a fixed vocabulary-presence vector so similarity
// is deterministic: texts sharing words score high.
type wordEmbedder struct{}

var vocabulary = []string{
	"auth", "token", "login", "retry", "backoff", "database", "migration",
	"cache", "parser", "timeout",
}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	// Texts with no vocabulary words embed to the zero vector and therefore
	// never match anything, which exercises the full-text fallback.
	vec := make([]float32, len(vocabulary))
	lower := strings.ToLower(text)
	for i, word := range vocabulary {
		if strings.Contains(lower, word) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (w wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := w.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (wordEmbedder) Dimensions() int { return len(vocabulary) }
func (wordEmbedder) Name() string    { return "test:word" }

type fixture struct {
	engine *Engine
	store  *store.Store
	index  *vector.Index
}

func newFixture(t *testing.T, withIndex bool) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "mnemo.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, _, err = st.EnsureSession(store.EnsureSessionParams{
		AgentSessionID: "sess-q",
		Platform:       "claude-code",
		Project:        "demo",
	})
	require.NoError(t, err)

	var idx *vector.Index
	if withIndex {
		idx, err = vector.OpenIndex(filepath.Join(dir, "vectors.db"), wordEmbedder{}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = idx.Close() })
	}

	return &fixture{engine: New(st, idx, nil), store: st, index: idx}
}

func (f *fixture) seed(t *testing.T, obs *types.Observation) *types.Observation {
	t.Helper()
	if obs.SDKSessionID == "" {
		obs.SDKSessionID = "sess-q"
	}
	if obs.Project == "" {
		obs.Project = "demo"
	}
	stored, err := f.store.StoreObservation(obs)
	require.NoError(t, err)
	if f.index != nil {
		require.NoError(t, f.index.Upsert(context.Background(), vector.Record{
			Kind:      vector.KindObservation,
			RecordID:  stored.ID,
			Project:   stored.Project,
			Type:      string(stored.Type),
			CreatedAt: stored.CreatedAt,
			Text:      stored.SearchText(),
		}))
	}
	return stored
}

func TestSearchRequiresTextOrFilter(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.engine.SearchObservations(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = f.engine.SearchObservations(context.Background(), Request{
		Filters: Filters{Types: []types.ObservationType{"epiphany"}},
	})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestFilterOnlySearch(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, &types.Observation{Type: types.ObservationBugfix, Title: "fixed auth"})
	f.seed(t, &types.Observation{Type: types.ObservationDiscovery, Title: "found cache layer",
		Concepts: []string{"Caching", "performance"}})
	f.seed(t, &types.Observation{Type: types.ObservationDiscovery, Title: "read the parser",
		FilesRead: []string{"pkg/parser/parse.go"}})

	byType, err := f.engine.ObservationsByType(context.Background(), types.ObservationBugfix, "demo", 10)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "fixed auth", byType[0].Title)

	// Concept match is case-insensitive.
	byConcept, err := f.engine.ObservationsByConcept(context.Background(), "caching", "demo", 10)
	require.NoError(t, err)
	require.Len(t, byConcept, 1)
	assert.Equal(t, "found cache layer", byConcept[0].Title)

	// File match is containment, not equality.
	byFile, err := f.engine.ObservationsByFile(context.Background(), "parse.go", "demo", 10)
	require.NoError(t, err)
	require.Len(t, byFile, 1)
	assert.Equal(t, "read the parser", byFile[0].Title)

	// Wrong project finds nothing.
	none, err := f.engine.ObservationsByType(context.Background(), types.ObservationBugfix, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTextSearchOrdersByRecencyNotScore(t *testing.T) {
	f := newFixture(t, true)

	old := f.seed(t, &types.Observation{
		Type: types.ObservationDiscovery, Title: "auth token login flow",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	recent := f.seed(t, &types.Observation{
		Type: types.ObservationDiscovery, Title: "auth timeout",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	results, err := f.engine.SearchObservations(context.Background(), Request{Text: "auth token login"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The older record matches better semantically, but recency wins the
	// final ordering; scores still ride along.
	assert.Equal(t, recent.ID, results[0].ID)
	assert.Equal(t, old.ID, results[1].ID)
	assert.Greater(t, results[1].Score, results[0].Score)
}

func TestTextSearchFallsBackToFullText(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, &types.Observation{
		Type: types.ObservationDecision, Title: "chose sqlite over postgres",
	})

	// No vocabulary overlap, so the vector stage finds nothing and the FTS
	// fallback must serve the hit.
	results, err := f.engine.SearchObservations(context.Background(), Request{Text: "sqlite postgres"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "chose sqlite over postgres", results[0].Title)
}

func TestTextSearchWithoutIndexUsesFullText(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, &types.Observation{Type: types.ObservationChange, Title: "renamed the widget factory"})

	results, err := f.engine.SearchObservations(context.Background(), Request{Text: "widget factory"})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestTextSearchHonorsRecencyWindow(t *testing.T) {
	f := newFixture(t, false)
	old := f.seed(t, &types.Observation{
		Type: types.ObservationDiscovery, Title: "auth middleware notes",
		CreatedAt: time.Now().Add(-200 * 24 * time.Hour),
	})
	recent := f.seed(t, &types.Observation{
		Type: types.ObservationDiscovery, Title: "auth token rotation",
		CreatedAt: time.Now().Add(-2 * 24 * time.Hour),
	})

	// Without a date range only records inside the window come back, on the
	// full-text path too.
	results, err := f.engine.SearchObservations(context.Background(), Request{Text: "auth"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, recent.ID, results[0].ID)

	// An explicit date range lifts the window.
	results, err = f.engine.SearchObservations(context.Background(), Request{
		Text:    "auth",
		Filters: Filters{Since: time.Now().Add(-365 * 24 * time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, old.ID, results[1].ID)
}

func TestDefaultLimitApplies(t *testing.T) {
	f := newFixture(t, false)
	for i := 0; i < 25; i++ {
		f.seed(t, &types.Observation{Type: types.ObservationChange, Title: "edit"})
	}

	results, err := f.engine.SearchObservations(context.Background(), Request{
		Filters: Filters{Project: "demo"},
	})
	require.NoError(t, err)
	assert.Len(t, results, DefaultLimit)
}

func TestSearchPromptsRequiresText(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.SearchPrompts(context.Background(), Request{Filters: Filters{Project: "demo"}})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestGetContext(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, &types.Observation{
		Type: types.ObservationDiscovery, Title: strings.Repeat("x", 400),
		DiscoveryTokens: 1000,
	})
	_, err := f.store.StoreSummary(&types.SessionSummary{
		SDKSessionID: "sess-q", Project: "demo", Learned: "plenty",
	})
	require.NoError(t, err)

	view, err := f.engine.GetContext(context.Background(), "demo", 0, 0)
	require.NoError(t, err)
	assert.Len(t, view.Observations, 1)
	assert.Len(t, view.Summaries, 1)
	assert.Equal(t, 100, view.TokenStats.ReadTokens)
	assert.Equal(t, 1000, view.TokenStats.WorkTokens)
	assert.Equal(t, 900, view.TokenStats.Savings)
	assert.InDelta(t, 90.0, view.TokenStats.SavingsPercent, 0.01)

	_, err = f.engine.GetContext(context.Background(), "", 0, 0)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestResolveAnchor(t *testing.T) {
	f := newFixture(t, false)
	obs := f.seed(t, &types.Observation{
		Type: types.ObservationChange, Title: "anchor me",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	kind, id, err := f.engine.ResolveAnchor("42", "demo")
	require.NoError(t, err)
	assert.Equal(t, store.TimelineObservation, kind)
	assert.Equal(t, int64(42), id)

	kind, id, err = f.engine.ResolveAnchor("2026-03-01T11:55:00Z", "demo")
	require.NoError(t, err)
	assert.Equal(t, store.TimelineObservation, kind)
	assert.Equal(t, obs.ID, id)

	_, _, err = f.engine.ResolveAnchor("yesterday-ish", "demo")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, _, err = f.engine.ResolveAnchor("", "demo")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestTimelineByQuery(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, &types.Observation{
		Type: types.ObservationChange, Title: "unrelated edit",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	hit := f.seed(t, &types.Observation{
		Type: types.ObservationBugfix, Title: "database migration deadlock",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	auto, err := f.engine.TimelineByQuery(context.Background(), "database migration", TimelineAuto, 5, 5, "demo")
	require.NoError(t, err)
	require.NotEmpty(t, auto.Entries)
	var anchorID int64
	for _, entry := range auto.Entries {
		if entry.IsAnchor {
			anchorID = entry.Observation.ID
		}
	}
	assert.Equal(t, hit.ID, anchorID)

	interactive, err := f.engine.TimelineByQuery(context.Background(), "database migration", TimelineInteractive, 0, 0, "demo")
	require.NoError(t, err)
	assert.Empty(t, interactive.Entries)
	assert.NotEmpty(t, interactive.Candidates)

	empty, err := f.engine.TimelineByQuery(context.Background(), "zzz qqq xxx", TimelineAuto, 5, 5, "demo")
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)

	_, err = f.engine.TimelineByQuery(context.Background(), "", TimelineAuto, 5, 5, "demo")
	assert.ErrorIs(t, err, ErrBadRequest)
}
