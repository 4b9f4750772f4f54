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
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/memagent"
	"github.com/teradata-labs/mnemo/pkg/query"
	"github.com/teradata-labs/mnemo/pkg/registry"
	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
)

// scriptedGenerator answers every turn with one canned observation element.
type scriptedGenerator struct {
	mu    sync.Mutex
	turns int
}

type scriptedConversation struct {
	gen *scriptedGenerator
}

func (g *scriptedGenerator) Start(context.Context, string) (memagent.Conversation, error) {
	return &scriptedConversation{gen: g}, nil
}

func (g *scriptedGenerator) Model() string { return "scripted" }

func (c *scriptedConversation) Send(_ context.Context, userText string, onText func(string)) (*memagent.Reply, error) {
	c.gen.mu.Lock()
	c.gen.turns++
	n := c.gen.turns
	c.gen.mu.Unlock()

	if onText != nil {
		if strings.Contains(userText, "checkpoint") {
			onText("<summary><request>checkpoint</request><completed>stored records</completed></summary>")
		} else {
			onText(fmt.Sprintf(
				`<observation type="discovery"><title>turn %d</title><narrative>auth token refresh</narrative></observation>`, n))
		}
	}
	return &memagent.Reply{InputTokens: 100 * n}, nil
}

func (c *scriptedConversation) Close() {}

type fixture struct {
	srv      *Server
	store    *store.Store
	events   *bus.EventBus
	registry *registry.SessionRegistry
	ts       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mnemo.db"), nil)
	require.NoError(t, err)

	events := bus.New(nil)
	reg := registry.New(st, &scriptedGenerator{}, nil, events, nil)
	engine := query.New(st, nil, nil)

	srv := New(Core{
		Store:    st,
		Registry: reg,
		Engine:   engine,
		Events:   events,
	}, Config{}, nil, nil)

	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		reg.ShutdownAll()
		events.Close()
		_ = st.Close()
	})
	return &fixture{srv: srv, store: st, events: events, registry: reg, ts: ts}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (f *fixture) ensureSession(t *testing.T, id string) {
	t.Helper()
	resp, _ := f.post(t, "/api/sessions/ensure", map[string]any{
		"agent_session_id": id,
		"platform":         "claude-code",
		"project":          "demo",
		"user_prompt":      "add retries to the client",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestEnsureSessionCreatesThenBumps(t *testing.T) {
	f := newFixture(t)

	sub, err := f.events.Subscribe("test", 16)
	require.NoError(t, err)
	defer f.events.Unsubscribe(sub.ID)

	resp, body := f.post(t, "/api/sessions/ensure", map[string]any{
		"agent_session_id": "sess-1",
		"platform":         "claude-code",
		"project":          "demo",
		"user_prompt":      "first prompt",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["created"])
	assert.EqualValues(t, 1, body["prompt_number"])

	ev := <-sub.C
	assert.Equal(t, bus.EventSessionStarted, ev.Type)

	resp, body = f.post(t, "/api/sessions/ensure", map[string]any{
		"agent_session_id": "sess-1",
		"platform":         "claude-code",
		"project":          "demo",
		"user_prompt":      "second prompt",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["created"])
	assert.EqualValues(t, 2, body["prompt_number"])
}

func TestEnsureSessionRejectsMissingProject(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/api/sessions/ensure", map[string]any{
		"agent_session_id": "sess-bad",
		"platform":         "claude-code",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "project")
}

func TestIngestionRequiresPlatform(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-plat")

	for _, tc := range []struct {
		path string
		body map[string]any
	}{
		{"/api/sessions/ensure", map[string]any{"agent_session_id": "sess-plat", "project": "demo"}},
		{"/api/observations", map[string]any{"agent_session_id": "sess-plat", "tool_name": "Read"}},
		{"/api/sessions/summarize", map[string]any{"agent_session_id": "sess-plat"}},
		{"/api/sessions/complete", map[string]any{"agent_session_id": "sess-plat"}},
	} {
		resp, body := f.post(t, tc.path, tc.body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.path)
		assert.Contains(t, body["error"], "platform", tc.path)
	}
}

func TestObservationFlowStoresRecord(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-obs")

	resp, body := f.post(t, "/api/observations", map[string]any{
		"agent_session_id": "sess-obs",
		"platform":         "claude-code",
		"tool_name":        "Read",
		"tool_input":       map[string]string{"file_path": "auth.go"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.EqualValues(t, 1, body["prompt_number"])

	waitFor(t, func() bool {
		obs, err := f.store.GetSessionObservations("sess-obs")
		return err == nil && len(obs) == 1
	}, "observation not stored")

	obs, err := f.store.GetSessionObservations("sess-obs")
	require.NoError(t, err)
	assert.Equal(t, types.ObservationDiscovery, obs[0].Type)
	assert.Equal(t, "turn 1", obs[0].Title)
	assert.Equal(t, 100, obs[0].DiscoveryTokens)
}

func TestSkipListedToolIsFiltered(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-skip")

	resp, body := f.post(t, "/api/observations", map[string]any{
		"agent_session_id": "sess-skip",
		"platform":         "claude-code",
		"tool_name":        "TodoWrite",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, "filtered-tool", body["reason"])

	// Filtered events never reach the queue.
	assert.Zero(t, f.registry.TotalActiveWork())
}

func TestObservationForUnknownSessionIs404(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/api/observations", map[string]any{
		"agent_session_id": "never-ensured",
		"platform":         "claude-code",
		"tool_name":        "Read",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObservationValidation(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/api/observations", map[string]any{
		"agent_session_id": "sess-x",
		"platform":         "claude-code",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "tool_name")
}

func TestSummarizeStoresCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-sum")

	resp, body := f.post(t, "/api/sessions/summarize", map[string]any{
		"agent_session_id":  "sess-sum",
		"platform":          "claude-code",
		"last_user_message": "checkpoint please",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])

	waitFor(t, func() bool {
		sums, err := f.store.GetSessionSummaries("sess-sum")
		return err == nil && len(sums) == 1
	}, "summary not stored")
}

func TestCompleteSealsSession(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-done")

	resp, body := f.post(t, "/api/sessions/complete", map[string]any{
		"agent_session_id": "sess-done",
		"platform":         "claude-code",
		"reason":           "user closed the editor",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	sess, err := f.store.GetSession("sess-done")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)

	// Late events are rejected, not queued.
	resp, _ = f.post(t, "/api/observations", map[string]any{
		"agent_session_id": "sess-done",
		"platform":         "claude-code",
		"tool_name":        "Read",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func seedObservation(t *testing.T, f *fixture, sessionID, title, narrative string, obsType types.ObservationType) *types.Observation {
	t.Helper()
	obs, err := f.store.StoreObservation(&types.Observation{
		SDKSessionID: sessionID,
		Project:      "demo",
		Type:         obsType,
		Title:        title,
		Narrative:    narrative,
	})
	require.NoError(t, err)
	return obs
}

func TestSearchObservations(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-q")
	seedObservation(t, f, "sess-q", "JWT refresh flow", "token renewal on 401", types.ObservationDiscovery)
	seedObservation(t, f, "sess-q", "Retry backoff", "exponential backoff added", types.ObservationFeature)

	resp, body := f.get(t, "/api/search?query=token+renewal&project=demo")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	hit := results[0].(map[string]any)
	assert.Equal(t, "JWT refresh flow", hit["title"])

	// Filter-only search by type.
	resp, body = f.get(t, "/api/search?obs_type=feature&project=demo")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results = body["results"].([]any)
	require.Len(t, results, 1)

	// Compact index view carries headlines, not narratives.
	resp, body = f.get(t, "/api/search?query=backoff&format=index")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results = body["results"].([]any)
	require.Len(t, results, 1)
	entry := results[0].(map[string]any)
	assert.Equal(t, "Retry backoff", entry["title"])
	assert.NotContains(t, entry, "narrative")
}

func TestSearchRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/api/search")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/search?obs_type=epiphany")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/search?query=x&tool=nonsense")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/search?query=x&format=nonsense")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchDateRangeParams(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-dr")

	_, err := f.store.StoreObservation(&types.Observation{
		SDKSessionID: "sess-dr",
		Project:      "demo",
		Type:         types.ObservationDiscovery,
		Title:        "auth cookie handling",
		CreatedAt:    time.Now().Add(-200 * 24 * time.Hour),
	})
	require.NoError(t, err)
	seedObservation(t, f, "sess-dr", "auth header parsing", "", types.ObservationDiscovery)

	// Text search without a date range stays inside the recency window.
	resp, body := f.get(t, "/api/search?query=auth")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["results"].([]any), 1)

	// An explicit dateRange[start] reaches past it.
	start := time.Now().Add(-365 * 24 * time.Hour).Format("2006-01-02")
	resp, body = f.get(t, "/api/search?query=auth&"+url.QueryEscape("dateRange[start]")+"="+start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["results"].([]any), 2)
}

func TestContextViewReportsTokenEconomics(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-ctx")

	obs, err := f.store.StoreObservation(&types.Observation{
		SDKSessionID:    "sess-ctx",
		Project:         "demo",
		Type:            types.ObservationDiscovery,
		Title:           strings.Repeat("x", 400),
		DiscoveryTokens: 1000,
	})
	require.NoError(t, err)
	require.NotZero(t, obs.ID)

	resp, body := f.get(t, "/api/context/demo")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "demo", body["project"])
	stats := body["tokenStats"].(map[string]any)
	assert.EqualValues(t, 100, stats["readTokens"])
	assert.EqualValues(t, 1000, stats["workTokens"])
	assert.EqualValues(t, 900, stats["savings"])

	resp, err = http.Get(f.ts.URL + "/api/context/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEntityLookups(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-ent")
	obs := seedObservation(t, f, "sess-ent", "found it", "", types.ObservationDiscovery)

	resp, body := f.get(t, fmt.Sprintf("/api/observation/%d", obs.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "found it", body["title"])

	resp, _ = f.get(t, "/api/observation/999999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/api/observation/not-a-number")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.get(t, "/api/session/sess-ent")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := body["session"].(map[string]any)
	assert.Equal(t, "demo", sess["project"])
	prompts := body["prompts"].([]any)
	require.Len(t, prompts, 1)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-stats")
	seedObservation(t, f, "sess-stats", "one", "", types.ObservationChange)

	resp, body := f.get(t, "/api/stats?project=demo")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := body["counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["sessions"])
	assert.EqualValues(t, 1, counts["observations"])
	projects := body["projects"].([]any)
	assert.Contains(t, projects, "demo")
}

func TestProcessingStatus(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/processing-status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["isProcessing"])
	assert.EqualValues(t, 0, body["queueDepth"])
}

func TestTimelineAroundAnchor(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-tl")
	first := seedObservation(t, f, "sess-tl", "first", "", types.ObservationChange)
	seedObservation(t, f, "sess-tl", "second", "", types.ObservationChange)

	resp, body := f.get(t, fmt.Sprintf("/api/timeline?anchor=%d&depth_after=5", first.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	require.NotEmpty(t, entries)

	resp, _ = f.get(t, "/api/timeline?anchor=garbage")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/timeline")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteSessionPurgesEverything(t *testing.T) {
	f := newFixture(t)
	f.ensureSession(t, "sess-del")
	seedObservation(t, f, "sess-del", "gone soon", "", types.ObservationChange)

	sub, err := f.events.Subscribe("test", 16)
	require.NoError(t, err)
	defer f.events.Unsubscribe(sub.ID)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/session/sess-del", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])
	assert.EqualValues(t, 1, body["observations"])

	_, err = f.store.GetSession("sess-del")
	assert.ErrorIs(t, err, store.ErrNotFound)

	waitFor(t, func() bool {
		select {
		case ev := <-sub.C:
			return ev.Type == bus.EventSessionDeleted
		default:
			return false
		}
	}, "no session_deleted event")

	// Deleting again is 404.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// First frame is the connection comment.
	line := <-lines
	assert.True(t, strings.HasPrefix(line, ": connected"))

	f.events.Publish(bus.NewSessionStarted(42, "demo"))

	var got []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case l := <-lines:
			got = append(got, l)
			if strings.HasPrefix(l, "data: ") {
				assert.Contains(t, got, "event: session_started")
				assert.Contains(t, l, `"sessionDbId":42`)
				return
			}
		case <-deadline:
			t.Fatalf("no event received, lines: %v", got)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/search", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}
