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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/registry"
	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
)

type ensureSessionRequest struct {
	AgentSessionID string `json:"agent_session_id"`
	Platform       string `json:"platform"`
	Project        string `json:"project"`
	UserPrompt     string `json:"user_prompt"`
	WorkerPort     int    `json:"worker_port"`
}

type ensureSessionResponse struct {
	ID           int64 `json:"id"`
	PromptNumber int   `json:"prompt_number"`
	Created      bool  `json:"created"`
}

// handleEnsureSession registers a session (or bumps its prompt counter) and
// primes the in-memory state so later observations don't hit the database.
func (s *Server) handleEnsureSession(w http.ResponseWriter, _ *http.Request, body []byte) {
	var req ensureSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	sess, created, err := s.core.Store.EnsureSession(store.EnsureSessionParams{
		AgentSessionID: req.AgentSessionID,
		Platform:       req.Platform,
		Project:        req.Project,
		UserPrompt:     req.UserPrompt,
		WorkerPort:     req.WorkerPort,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.core.Registry.Initialize(sess)
	if created {
		s.publish(bus.NewSessionStarted(sess.ID, sess.Project))
	}

	writeJSON(w, http.StatusOK, ensureSessionResponse{
		ID:           sess.ID,
		PromptNumber: sess.PromptCounter,
		Created:      created,
	})
}

type observationRequest struct {
	AgentSessionID string          `json:"agent_session_id"`
	Platform       string          `json:"platform"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
	ToolResponse   json.RawMessage `json:"tool_response"`
	CWD            string          `json:"cwd"`
	PromptNumber   int             `json:"prompt_number"`
	Timestamp      string          `json:"timestamp"`
}

type queuedResponse struct {
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	ID           int64  `json:"id,omitempty"`
	PromptNumber int    `json:"prompt_number,omitempty"`
}

// handleObservation enqueues a tool event for background observation. The
// handler never waits on the generator: it queues, ensures a runner, and
// returns. Skip-listed tools are acknowledged without queueing.
func (s *Server) handleObservation(w http.ResponseWriter, _ *http.Request, body []byte) {
	var req observationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	if s.skipList.Skip(req.ToolName) {
		writeJSON(w, http.StatusOK, queuedResponse{
			Status: "skipped",
			Reason: "filtered-tool",
		})
		return
	}

	state, err := s.core.Registry.ResolveSession(req.AgentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ev := &types.ToolEvent{
		ToolName:     req.ToolName,
		ToolInput:    req.ToolInput,
		ToolResponse: req.ToolResponse,
		CWD:          req.CWD,
		PromptNumber: req.PromptNumber,
		Timestamp:    parseEventTime(req.Timestamp),
	}

	if err := s.core.Registry.QueueObservation(state, ev); err != nil {
		s.queueError(w, err)
		return
	}
	s.core.Registry.EnsureGeneratorRunning(state)
	s.publish(bus.NewObservationQueued(state.DBID()))
	s.core.Registry.BroadcastProcessingStatus()

	writeJSON(w, http.StatusOK, queuedResponse{
		Status:       "queued",
		ID:           state.DBID(),
		PromptNumber: ev.PromptNumber,
	})
}

type summarizeRequest struct {
	AgentSessionID       string `json:"agent_session_id"`
	Platform             string `json:"platform"`
	LastUserMessage      string `json:"last_user_message"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

// handleSummarize enqueues a summary checkpoint request.
func (s *Server) handleSummarize(w http.ResponseWriter, _ *http.Request, body []byte) {
	var req summarizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	state, err := s.core.Registry.ResolveSession(req.AgentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.core.Registry.QueueSummarize(state, &types.SummarizeRequest{
		LastUserMessage:      req.LastUserMessage,
		LastAssistantMessage: req.LastAssistantMessage,
	}); err != nil {
		s.queueError(w, err)
		return
	}
	s.core.Registry.EnsureGeneratorRunning(state)
	s.core.Registry.BroadcastProcessingStatus()

	writeJSON(w, http.StatusOK, queuedResponse{
		Status: "queued",
		ID:     state.DBID(),
	})
}

type completeRequest struct {
	AgentSessionID string `json:"agent_session_id"`
	Platform       string `json:"platform"`
	Reason         string `json:"reason"`
}

// handleComplete marks the session completed and seals its queue. Events
// already queued still drain before the runner exits.
func (s *Server) handleComplete(w http.ResponseWriter, _ *http.Request, body []byte) {
	var req completeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	if req.Reason != "" {
		s.logger.Debug("session completion reason",
			zap.String("agent_session_id", req.AgentSessionID),
			zap.String("reason", req.Reason))
	}

	if err := s.core.Store.MarkCompleted(req.AgentSessionID); err != nil {
		s.writeError(w, err)
		return
	}

	state, err := s.core.Registry.ResolveSession(req.AgentSessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		s.writeError(w, err)
		return
	}
	s.core.Registry.CompleteSession(state)
	s.publish(bus.NewSessionCompleted(state.DBID()))

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// queueError maps a sealed-queue error to 409; everything else is internal.
func (s *Server) queueError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrSessionClosed) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session is closed"})
		return
	}
	s.writeError(w, err)
}

func (s *Server) publish(ev bus.Event) {
	if s.core.Events != nil {
		s.core.Events.Publish(ev)
	}
}

// parseEventTime accepts RFC 3339 timestamps from host hooks, falling back
// to the arrival time for anything else.
func parseEventTime(raw string) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return time.Now()
}
