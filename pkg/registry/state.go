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
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/teradata-labs/mnemo/pkg/types"
)

// SessionState is the in-memory state of one live session: its FIFO pending
// queue, the generator task handle, and activity bookkeeping. The registry
// exclusively owns all instances; external code only observes snapshots.
type SessionState struct {
	mu sync.Mutex

	dbID           int64
	agentSessionID string
	project        string
	userPrompt     string
	promptNumber   int

	queue  []types.PendingEvent
	signal chan struct{}
	closed bool

	// running is the generator task handle; true while a runner owns the
	// queue. started records that a runner has observed this session before,
	// so a restarted runner uses the continuation prompt.
	running bool
	started bool

	lastActivity time.Time
}

func newSessionState(dbID int64, agentSessionID, project string) *SessionState {
	return &SessionState{
		dbID:           dbID,
		agentSessionID: agentSessionID,
		project:        project,
		signal:         make(chan struct{}, 1),
		lastActivity:   time.Now(),
	}
}

// enqueue appends an event and wakes the runner. Returns false when the
// state is closed (session terminal).
func (s *SessionState) enqueue(ev types.PendingEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, ev)
	s.lastActivity = time.Now()
	s.wake()
	return true
}

// wake must be called with the lock held.
func (s *SessionState) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// close seals the queue. The runner drains what is already queued, then its
// next Dequeue returns false and it exits.
func (s *SessionState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.wake()
}

// Dequeue pops the next event in FIFO order, blocking until one arrives.
// It returns ok=false once the state is closed and drained, or when ctx is
// cancelled.
func (s *SessionState) Dequeue(ctx context.Context) (types.PendingEvent, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.closed {
			s.mu.Unlock()
			return types.PendingEvent{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return types.PendingEvent{}, false
		}
	}
}

// DBID returns the session's internal database id.
func (s *SessionState) DBID() int64 { return s.dbID }

// Project returns the project the session files observations under.
func (s *SessionState) Project() string { return s.project }

// PromptNumber returns the latest prompt counter seen for the session.
func (s *SessionState) PromptNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptNumber
}

// pendingWork is queue length plus one when a runner is active.
func (s *SessionState) pendingWork() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.running {
		n++
	}
	return n
}

func (s *SessionState) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
