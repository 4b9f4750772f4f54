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
package memagent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
)

type fakeTurn struct {
	chunks []string
	reply  *Reply
	err    error
}

type fakeConversation struct {
	turns  []fakeTurn
	sent   []string
	closed bool
}

func (c *fakeConversation) Send(_ context.Context, userText string, onText func(string)) (*Reply, error) {
	c.sent = append(c.sent, userText)
	if len(c.turns) == 0 {
		return nil, errors.New("unexpected extra turn")
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	for _, chunk := range turn.chunks {
		if onText != nil {
			onText(chunk)
		}
	}
	return turn.reply, turn.err
}

func (c *fakeConversation) Close() { c.closed = true }

type fakeGenerator struct {
	conv    *fakeConversation
	systems []string
}

func (g *fakeGenerator) Start(_ context.Context, systemPrompt string) (Conversation, error) {
	g.systems = append(g.systems, systemPrompt)
	return g.conv, nil
}

func (g *fakeGenerator) Model() string { return "fake-model" }

type sliceQueue struct {
	events []types.PendingEvent
}

func (q *sliceQueue) Dequeue(_ context.Context) (types.PendingEvent, bool) {
	if len(q.events) == 0 {
		return types.PendingEvent{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

func newRunnerFixture(t *testing.T, turns []fakeTurn, events []types.PendingEvent) (*Runner, *store.Store, *fakeGenerator, *bus.EventBus) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "mnemo.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sess, _, err := st.EnsureSession(store.EnsureSessionParams{
		AgentSessionID: "sess-1",
		Platform:       "claude-code",
		Project:        "demo",
		UserPrompt:     "add retries to the client",
	})
	require.NoError(t, err)

	b := bus.New(nil)
	t.Cleanup(b.Close)

	gen := &fakeGenerator{conv: &fakeConversation{turns: turns}}
	r := NewRunner(SessionInfo{
		DBID:           sess.ID,
		AgentSessionID: "sess-1",
		Project:        "demo",
		UserPrompt:     "add retries to the client",
		PromptNumber:   1,
	}, &sliceQueue{events: events}, gen, st, nil, b, nil)
	return r, st, gen, b
}

func toolEvent(name string) *types.ToolEvent {
	return &types.ToolEvent{
		ToolName:     name,
		ToolInput:    json.RawMessage(`{"file_path":"client.go"}`),
		ToolResponse: json.RawMessage(`"package client"`),
		PromptNumber: 1,
		Timestamp:    time.Now(),
	}
}

func TestRunnerPersistsStreamedObservation(t *testing.T) {
	turns := []fakeTurn{{
		chunks: []string{
			"looking at this... <observation><type>dis",
			"covery</type><title>Client reads config lazily</title></observation> done",
		},
		reply: &Reply{InputTokens: 321, StopReason: "end_turn"},
	}}
	r, st, _, b := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventObservation, Observation: toolEvent("Read")},
	})

	sub, err := b.Subscribe("test", 8)
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))

	obs, err := st.GetSessionObservations("sess-1")
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, types.ObservationDiscovery, obs[0].Type)
	assert.Equal(t, "Client reads config lazily", obs[0].Title)
	assert.Equal(t, "demo", obs[0].Project)
	assert.Equal(t, 321, obs[0].DiscoveryTokens)
	assert.Equal(t, 1, obs[0].PromptNumber)

	ev := <-sub.C
	assert.Equal(t, bus.EventObservationStored, ev.Type)
}

func TestRunnerSendsEventXML(t *testing.T) {
	turns := []fakeTurn{{reply: &Reply{}}}
	r, _, gen, _ := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventObservation, Observation: toolEvent("Bash")},
	})

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, gen.conv.sent, 1)
	assert.Contains(t, gen.conv.sent[0], "<observed_from_primary_session>")
	assert.Contains(t, gen.conv.sent[0], "<tool_name>Bash</tool_name>")
	require.Len(t, gen.systems, 1)
	assert.Contains(t, gen.systems[0], `"demo"`)
	assert.Contains(t, gen.systems[0], "add retries to the client")
}

func TestRunnerResumedUsesContinuationPrompt(t *testing.T) {
	turns := []fakeTurn{{reply: &Reply{}}}
	r, _, gen, _ := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventObservation, Observation: toolEvent("Read")},
	})
	r.session.Resumed = true

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, gen.systems, 1)
	assert.Contains(t, gen.systems[0], "resuming observation")
}

func TestRunnerStoresSummary(t *testing.T) {
	turns := []fakeTurn{{
		chunks: []string{"<summary><learned>timeouts were unset</learned></summary>"},
		reply:  &Reply{InputTokens: 50},
	}}
	r, st, gen, _ := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventSummarize, Summarize: &types.SummarizeRequest{LastUserMessage: "ship it"}},
	})

	require.NoError(t, r.Run(context.Background()))

	sums, err := st.GetSessionSummaries("sess-1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "timeouts were unset", sums[0].Learned)
	assert.Equal(t, 50, sums[0].DiscoveryTokens)

	assert.Contains(t, gen.conv.sent[0], "ship it")
}

func TestRunnerSummarizeNeverSkipsSilently(t *testing.T) {
	// Prose with no summary element still yields an empty checkpoint row.
	turns := []fakeTurn{{
		chunks: []string{"nothing much happened this session, honestly"},
		reply:  &Reply{InputTokens: 10},
	}}
	r, st, _, _ := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventSummarize, Summarize: &types.SummarizeRequest{}},
	})

	require.NoError(t, r.Run(context.Background()))

	sums, err := st.GetSessionSummaries("sess-1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Empty(t, sums[0].Learned)
	assert.Equal(t, 10, sums[0].DiscoveryTokens)
}

func TestRunnerExplicitSkipStoresNothing(t *testing.T) {
	turns := []fakeTurn{{
		chunks: []string{"<skip_summary/>"},
		reply:  &Reply{},
	}}
	r, st, _, _ := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventSummarize, Summarize: &types.SummarizeRequest{}},
	})

	require.NoError(t, r.Run(context.Background()))

	sums, err := st.GetSessionSummaries("sess-1")
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestRunnerPersistsPartialTurnOnStreamFailure(t *testing.T) {
	// The element closed before the stream died; it is kept, with unknown
	// (zero) discovery cost, and the generator error aborts the runner.
	turns := []fakeTurn{{
		chunks: []string{"<observation><title>survived</title></observation>"},
		err:    errors.New("stream interrupted"),
	}}
	r, st, _, _ := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventObservation, Observation: toolEvent("Read")},
		{Kind: types.EventObservation, Observation: toolEvent("Grep")},
	})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observe turn")

	obs, err := st.GetSessionObservations("sess-1")
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "survived", obs[0].Title)
	assert.Zero(t, obs[0].DiscoveryTokens)
}

func TestRunnerDrainsQueueAndClosesConversation(t *testing.T) {
	turns := []fakeTurn{
		{chunks: []string{"<observation><title>a</title></observation>"}, reply: &Reply{InputTokens: 1}},
		{chunks: []string{"<observation><title>b</title></observation>"}, reply: &Reply{InputTokens: 2}},
	}
	r, st, gen, _ := newRunnerFixture(t, turns, []types.PendingEvent{
		{Kind: types.EventObservation, Observation: toolEvent("Read")},
		{Kind: types.EventObservation, Observation: toolEvent("Edit")},
	})

	require.NoError(t, r.Run(context.Background()))

	obs, err := st.GetSessionObservations("sess-1")
	require.NoError(t, err)
	assert.Len(t, obs, 2)
	assert.True(t, gen.conv.closed)
}
