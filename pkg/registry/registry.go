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

// Package registry holds the in-memory state of live sessions and owns the
// lifecycle of their background memory agents. It is the only component
// that starts or stops runners; protocol handlers just enqueue and call
// EnsureGeneratorRunning.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/memagent"
	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
	"github.com/teradata-labs/mnemo/pkg/vector"
)

// ErrSessionClosed is returned when work is queued on a terminal session.
var ErrSessionClosed = fmt.Errorf("session is closed")

// SessionRegistry maps live session ids to their in-memory state. The map
// mutex is held only for lookup and insert; each state carries its own lock.
type SessionRegistry struct {
	mu        sync.Mutex
	sessions  map[int64]*SessionState
	byAgentID map[string]int64

	store  *store.Store
	gen    memagent.Generator
	index  *vector.Index
	events *bus.EventBus
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the registry. index and events may be nil.
func New(st *store.Store, gen memagent.Generator, index *vector.Index, events *bus.EventBus, logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionRegistry{
		sessions:  make(map[int64]*SessionState),
		byAgentID: make(map[string]int64),
		store:     st,
		gen:       gen,
		index:     index,
		events:    events,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Initialize creates or refreshes the in-memory state for a session. It
// never starts a generator; runners start lazily on the first queued event.
func (r *SessionRegistry) Initialize(sess *types.Session) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.sessions[sess.ID]
	if !ok {
		state = newSessionState(sess.ID, sess.AgentSessionID, sess.Project)
		r.sessions[sess.ID] = state
		r.byAgentID[sess.AgentSessionID] = sess.ID
	}

	state.mu.Lock()
	state.promptNumber = sess.PromptCounter
	if sess.UserPrompt != "" {
		state.userPrompt = sess.UserPrompt
	}
	state.lastActivity = time.Now()
	state.mu.Unlock()
	return state
}

// ResolveSession finds the state for an external session id, loading the
// session row from the store when the process has no in-memory state yet.
// Returns store.ErrNotFound when the session was never ensured.
func (r *SessionRegistry) ResolveSession(agentSessionID string) (*SessionState, error) {
	r.mu.Lock()
	if id, ok := r.byAgentID[agentSessionID]; ok {
		state := r.sessions[id]
		r.mu.Unlock()
		return state, nil
	}
	r.mu.Unlock()

	sess, err := r.store.GetSession(agentSessionID)
	if err != nil {
		return nil, err
	}
	return r.Initialize(sess), nil
}

// QueueObservation pushes a tool event onto the session's FIFO queue.
func (r *SessionRegistry) QueueObservation(state *SessionState, ev *types.ToolEvent) error {
	if ev.PromptNumber == 0 {
		state.mu.Lock()
		ev.PromptNumber = state.promptNumber
		state.mu.Unlock()
	}
	if !state.enqueue(types.PendingEvent{Kind: types.EventObservation, Observation: ev}) {
		return ErrSessionClosed
	}
	return nil
}

// QueueSummarize pushes a summarize request onto the session's queue.
func (r *SessionRegistry) QueueSummarize(state *SessionState, req *types.SummarizeRequest) error {
	if !state.enqueue(types.PendingEvent{Kind: types.EventSummarize, Summarize: req}) {
		return ErrSessionClosed
	}
	return nil
}

// EnsureGeneratorRunning starts a runner for the session unless one is
// already attached. The completion handler clears the handle, marks the
// session failed on generator error, and rebroadcasts processing status.
func (r *SessionRegistry) EnsureGeneratorRunning(state *SessionState) {
	state.mu.Lock()
	if state.running || (state.closed && len(state.queue) == 0) {
		state.mu.Unlock()
		return
	}
	state.running = true
	resumed := state.started
	state.started = true
	info := memagent.SessionInfo{
		DBID:           state.dbID,
		AgentSessionID: state.agentSessionID,
		Project:        state.project,
		UserPrompt:     state.userPrompt,
		PromptNumber:   state.promptNumber,
		Resumed:        resumed,
	}
	state.mu.Unlock()

	runner := memagent.NewRunner(info, state, r.gen, r.store, r.index, r.events, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := runner.Run(r.ctx)

		state.mu.Lock()
		state.running = false
		state.mu.Unlock()

		if err != nil && r.ctx.Err() == nil {
			r.logger.Error("memory agent failed",
				zap.Int64("session_db_id", info.DBID),
				zap.Error(err))
			if markErr := r.store.MarkFailed(info.AgentSessionID); markErr != nil {
				r.logger.Error("mark session failed", zap.Error(markErr))
			}
		}
		r.BroadcastProcessingStatus()
	}()
}

// CompleteSession seals the queue so the runner drains and exits. Already
// queued events are still processed.
func (r *SessionRegistry) CompleteSession(state *SessionState) {
	state.close()
}

// Remove drops a session's in-memory state, sealing its queue first.
func (r *SessionRegistry) Remove(agentSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAgentID[agentSessionID]
	if !ok {
		return
	}
	r.sessions[id].close()
	delete(r.sessions, id)
	delete(r.byAgentID, agentSessionID)
}

// TotalActiveWork sums queue depth plus active runners across all sessions.
func (r *SessionRegistry) TotalActiveWork() int {
	r.mu.Lock()
	states := make([]*SessionState, 0, len(r.sessions))
	for _, s := range r.sessions {
		states = append(states, s)
	}
	r.mu.Unlock()

	total := 0
	for _, s := range states {
		total += s.pendingWork()
	}
	return total
}

// BroadcastProcessingStatus publishes the current aggregate work level.
func (r *SessionRegistry) BroadcastProcessingStatus() {
	if r.events == nil {
		return
	}
	r.events.Publish(bus.NewProcessingStatus(r.TotalActiveWork()))
}

// ReapIdle drops in-memory state for sessions idle longer than maxIdle and
// without pending work. Database rows are untouched; stale DB sessions are
// handled separately by the maintenance sweep.
func (r *SessionRegistry) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()
	reaped := 0
	for id, state := range r.sessions {
		if state.pendingWork() > 0 || state.idleSince().After(cutoff) {
			continue
		}
		state.close()
		delete(r.sessions, id)
		delete(r.byAgentID, state.agentSessionID)
		reaped++
	}
	if reaped > 0 {
		r.logger.Info("reaped idle session state", zap.Int("count", reaped))
	}
	return reaped
}

// ShutdownAll cancels every runner, waits for them to exit, and marks
// sessions that still had work in flight as failed.
func (r *SessionRegistry) ShutdownAll() {
	r.mu.Lock()
	states := make([]*SessionState, 0, len(r.sessions))
	for _, s := range r.sessions {
		states = append(states, s)
	}
	r.mu.Unlock()

	// Snapshot interrupted work before cancelling; after the runners stop
	// the queues are gone.
	var interrupted []string
	for _, s := range states {
		if s.pendingWork() > 0 {
			interrupted = append(interrupted, s.agentSessionID)
		}
		s.close()
	}

	r.cancel()
	r.wg.Wait()

	for _, id := range interrupted {
		if err := r.store.MarkFailed(id); err != nil {
			r.logger.Warn("mark interrupted session failed",
				zap.String("agent_session_id", id),
				zap.Error(err))
		}
	}
	r.logger.Info("session registry shut down",
		zap.Int("sessions", len(states)),
		zap.Int("interrupted", len(interrupted)))
}
