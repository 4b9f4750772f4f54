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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mnemo.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.db")

	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Re-opening runs migrations again; predicates must all report done.
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	var version int
	err = s2.DB().QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestEnsureSessionCreatesOnce(t *testing.T) {
	s := newTestStore(t)

	sess, created, err := s.EnsureSession(EnsureSessionParams{
		AgentSessionID: "sess-1",
		Platform:       "claude-code",
		Project:        "mnemo",
		UserPrompt:     "fix the flaky test",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, sess.PromptCounter)
	assert.Equal(t, types.SessionActive, sess.Status)

	sess, created, err = s.EnsureSession(EnsureSessionParams{
		AgentSessionID: "sess-1",
		Platform:       "claude-code",
		Project:        "mnemo",
		UserPrompt:     "now add a regression test",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, sess.PromptCounter)

	prompts, err := s.GetSessionPrompts("sess-1")
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, 1, prompts[0].PromptNumber)
	assert.Equal(t, 2, prompts[1].PromptNumber)
	assert.Equal(t, "now add a regression test", prompts[1].PromptText)
}

func TestEnsureSessionEmptyPromptBumpsCounterOnly(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.EnsureSession(EnsureSessionParams{AgentSessionID: "sess-2", Platform: "cursor"})
	require.NoError(t, err)
	sess, created, err := s.EnsureSession(EnsureSessionParams{AgentSessionID: "sess-2", Platform: "cursor"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, sess.PromptCounter)

	prompts, err := s.GetSessionPrompts("sess-2")
	require.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestEnsureSessionUpdatesProject(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.EnsureSession(EnsureSessionParams{
		AgentSessionID: "sess-3", Platform: "claude-code", Project: "scratch",
	})
	require.NoError(t, err)

	// A bump with an empty project keeps the old one.
	sess, _, err := s.EnsureSession(EnsureSessionParams{
		AgentSessionID: "sess-3", Platform: "claude-code",
	})
	require.NoError(t, err)
	assert.Equal(t, "scratch", sess.Project)

	// A non-empty project on re-ensure replaces it.
	sess, _, err = s.EnsureSession(EnsureSessionParams{
		AgentSessionID: "sess-3", Platform: "claude-code", Project: "mnemo",
	})
	require.NoError(t, err)
	assert.Equal(t, "mnemo", sess.Project)

	stored, err := s.GetSession("sess-3")
	require.NoError(t, err)
	assert.Equal(t, "mnemo", stored.Project)
}

func TestMarkCompletedIsTerminal(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.EnsureSession(EnsureSessionParams{AgentSessionID: "sess-3", Platform: "claude-code"})
	require.NoError(t, err)

	require.NoError(t, s.MarkCompleted("sess-3"))
	sess, err := s.GetSession("sess-3")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	require.NotNil(t, sess.CompletedAt)

	// A later failure must not overwrite the terminal state.
	require.NoError(t, s.MarkFailed("sess-3"))
	sess, err = s.GetSession("sess-3")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
}

func TestStoreObservationCoercesUnknownType(t *testing.T) {
	s := newTestStore(t)

	obs, err := s.StoreObservation(&types.Observation{
		SDKSessionID: "sess-4",
		Project:      "mnemo",
		Type:         types.ObservationType("epiphany"),
		Title:        "the cache was never invalidated",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ObservationChange, obs.Type)

	got, err := s.GetObservation(obs.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObservationChange, got.Type)
	assert.Equal(t, "the cache was never invalidated", got.Title)
}

func TestObservationRoundTrip(t *testing.T) {
	s := newTestStore(t)

	obs, err := s.StoreObservation(&types.Observation{
		SDKSessionID:    "sess-5",
		Project:         "mnemo",
		Type:            types.ObservationBugfix,
		Title:           "fix WAL checkpoint starvation",
		Subtitle:        "long readers blocked the checkpointer",
		Narrative:       "Readers held the WAL past 1000 frames.",
		Facts:           []string{"busy_timeout was 0", "checkpoint ran on close only"},
		Concepts:        []string{"sqlite", "wal"},
		FilesRead:       []string{"pkg/store/store.go"},
		FilesModified:   []string{"pkg/store/store.go"},
		PromptNumber:    3,
		DiscoveryTokens: 1200,
	})
	require.NoError(t, err)

	got, err := s.GetObservation(obs.ID)
	require.NoError(t, err)
	assert.Equal(t, obs.Facts, got.Facts)
	assert.Equal(t, obs.Concepts, got.Concepts)
	assert.Equal(t, obs.FilesModified, got.FilesModified)
	assert.Equal(t, 1200, got.DiscoveryTokens)
	assert.Equal(t, 3, got.PromptNumber)
}

func TestSearchObservationsFTS(t *testing.T) {
	s := newTestStore(t)

	_, err := s.StoreObservation(&types.Observation{
		SDKSessionID: "sess-6", Project: "alpha",
		Type: types.ObservationDiscovery, Title: "token refresh races with logout",
	})
	require.NoError(t, err)
	_, err = s.StoreObservation(&types.Observation{
		SDKSessionID: "sess-6", Project: "beta",
		Type: types.ObservationFeature, Title: "add retry budget to uploader",
	})
	require.NoError(t, err)

	results, err := s.SearchObservations("token refresh", SearchFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "token refresh races with logout", results[0].Title)

	// Project filter excludes the match.
	results, err = s.SearchObservations("token refresh", SearchFilter{Project: "beta"})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Type filter.
	results, err = s.SearchObservations("retry budget", SearchFilter{
		Types: []types.ObservationType{types.ObservationDiscovery},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchQuerySanitization(t *testing.T) {
	s := newTestStore(t)

	_, err := s.StoreObservation(&types.Observation{
		SDKSessionID: "sess-7", Type: types.ObservationChange, Title: "quote handling",
	})
	require.NoError(t, err)

	// FTS operators in user input must not cause a syntax error.
	for _, q := range []string{`"unbalanced`, `NEAR(`, `a AND OR`, `col:value`} {
		_, err := s.SearchObservations(q, SearchFilter{})
		assert.NoError(t, err, "query %q", q)
	}

	results, err := s.SearchObservations("   ", SearchFilter{})
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestGetObservationsByIDsPreservesOrder(t *testing.T) {
	s := newTestStore(t)

	var ids []int64
	for _, title := range []string{"first", "second", "third"} {
		obs, err := s.StoreObservation(&types.Observation{
			SDKSessionID: "sess-8", Type: types.ObservationChange, Title: title,
		})
		require.NoError(t, err)
		ids = append(ids, obs.ID)
	}

	got, err := s.GetObservationsByIDs([]int64{ids[2], ids[0], 9999})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Title)
	assert.Equal(t, "first", got[1].Title)
}

func TestSummaryRoundTripAndSearch(t *testing.T) {
	s := newTestStore(t)

	sum, err := s.StoreSummary(&types.SessionSummary{
		SDKSessionID:    "sess-9",
		Project:         "mnemo",
		Request:         "make the reaper configurable",
		Learned:         "cron entries need context-aware jobs",
		NextSteps:       "expose the interval flag",
		DiscoveryTokens: 800,
	})
	require.NoError(t, err)

	got, err := s.GetSummary(sum.ID)
	require.NoError(t, err)
	assert.Equal(t, "cron entries need context-aware jobs", got.Learned)
	assert.Equal(t, 800, got.DiscoveryTokens)

	results, err := s.SearchSummaries("reaper configurable", SearchFilter{Project: "mnemo"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sum.ID, results[0].ID)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.EnsureSession(EnsureSessionParams{
		AgentSessionID: "sess-10", Platform: "claude-code", Project: "mnemo", UserPrompt: "hello",
	})
	require.NoError(t, err)
	obs, err := s.StoreObservation(&types.Observation{
		SDKSessionID: "sess-10", Type: types.ObservationChange, Title: "doomed",
	})
	require.NoError(t, err)
	sum, err := s.StoreSummary(&types.SessionSummary{SDKSessionID: "sess-10", Request: "doomed too"})
	require.NoError(t, err)

	deleted, err := s.DeleteSession("sess-10")
	require.NoError(t, err)
	assert.Equal(t, []int64{obs.ID}, deleted.ObservationIDs)
	assert.Equal(t, []int64{sum.ID}, deleted.SummaryIDs)

	_, err = s.GetSession("sess-10")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetObservation(obs.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	prompts, err := s.GetSessionPrompts("sess-10")
	require.NoError(t, err)
	assert.Empty(t, prompts)

	// FTS entries must be gone too.
	results, err := s.SearchObservations("doomed", SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = s.DeleteSession("sess-10")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimelineAroundMergesKinds(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	mk := func(i int, title string) *types.Observation {
		obs, err := s.StoreObservation(&types.Observation{
			SDKSessionID: "sess-11", Project: "mnemo",
			Type: types.ObservationChange, Title: title,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		return obs
	}

	mk(0, "oldest")
	anchor := mk(2, "anchor")
	mk(4, "newest")

	sum, err := s.StoreSummary(&types.SessionSummary{
		SDKSessionID: "sess-11", Project: "mnemo", Request: "between",
		CreatedAt: base.Add(3 * time.Minute),
	})
	require.NoError(t, err)

	entries, err := s.GetTimelineAround(TimelineObservation, anchor.ID, 1, 2, "mnemo")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "oldest", entries[0].Observation.Title)
	assert.True(t, entries[1].IsAnchor)
	assert.Equal(t, TimelineSummary, entries[2].Kind)
	assert.Equal(t, sum.ID, entries[2].Summary.ID)
	assert.Equal(t, "newest", entries[3].Observation.Title)

	// Depth zero returns only the anchor.
	entries, err = s.GetTimelineAround(TimelineObservation, anchor.ID, 0, 0, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsAnchor)

	_, err = s.GetTimelineAround(TimelineObservation, 424242, 1, 1, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComputeTokenStats(t *testing.T) {
	observations := []*types.Observation{
		{Title: "abcd", DiscoveryTokens: 100},        // 1 read token
		{Title: "abcdefgh", DiscoveryTokens: 300},    // 2 read tokens
	}
	stats := ComputeTokenStats(observations)
	assert.Equal(t, 3, stats.ReadTokens)
	assert.Equal(t, 400, stats.WorkTokens)
	assert.Equal(t, 397, stats.Savings)
	assert.InDelta(t, 99.25, stats.SavingsPercent, 0.01)

	// No work recorded: percent stays zero.
	stats = ComputeTokenStats([]*types.Observation{{Title: "abcd"}})
	assert.Equal(t, 0, stats.WorkTokens)
	assert.Zero(t, stats.SavingsPercent)
}

func TestStaleActiveSessions(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.EnsureSession(EnsureSessionParams{AgentSessionID: "old", Platform: "claude-code"})
	require.NoError(t, err)
	// Backdate the session start to make it stale.
	_, err = s.DB().Exec("UPDATE sessions SET started_at = ? WHERE agent_session_id = 'old'",
		toMillis(time.Now().Add(-48*time.Hour)))
	require.NoError(t, err)

	_, _, err = s.EnsureSession(EnsureSessionParams{AgentSessionID: "fresh", Platform: "claude-code"})
	require.NoError(t, err)

	stale, err := s.StaleActiveSessions(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].AgentSessionID)

	// Recent activity on the old session rescues it.
	_, err = s.StoreObservation(&types.Observation{SDKSessionID: "old", Type: types.ObservationChange})
	require.NoError(t, err)
	stale, err = s.StaleActiveSessions(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
