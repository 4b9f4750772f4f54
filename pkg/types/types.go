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

// Package types contains the shared entity types of the mnemo memory server.
// This package breaks import cycles by providing common types that the store,
// registry, query and server packages all depend on.
package types

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
// Status moves monotonically: active → completed or active → failed.
type SessionStatus string

const (
	// SessionActive is a session with a live host conversation.
	SessionActive SessionStatus = "active"
	// SessionCompleted is a session terminated by an explicit complete request.
	SessionCompleted SessionStatus = "completed"
	// SessionFailed is a session terminated by an error or detected host exit.
	SessionFailed SessionStatus = "failed"
)

// Session identifies one conversation on one host platform for one project.
type Session struct {
	// ID is the internal database id.
	ID int64 `json:"id"`

	// AgentSessionID is the opaque identifier assigned by the host platform.
	AgentSessionID string `json:"agent_session_id"`

	// Platform tags the host ("claude-code", "cursor", ...).
	Platform string `json:"platform"`

	// Project is the project name observations are filed under.
	Project string `json:"project"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Status SessionStatus `json:"status"`

	// PromptCounter is incremented on every ensure call; never decreases.
	PromptCounter int `json:"prompt_counter"`

	// UserPrompt is the most recent prompt text, if any.
	UserPrompt string `json:"user_prompt,omitempty"`

	// WorkerPort is informational only (the port of the serving worker).
	WorkerPort int `json:"worker_port,omitempty"`
}

// UserPrompt is one recorded prompt turn. Append-only.
type UserPrompt struct {
	ID             int64     `json:"id"`
	AgentSessionID string    `json:"agent_session_id"`
	PromptNumber   int       `json:"prompt_number"`
	PromptText     string    `json:"prompt_text"`
	CreatedAt      time.Time `json:"created_at"`
}

// ObservationType classifies an observation. The set is closed; anything
// else coerces to ObservationChange.
type ObservationType string

const (
	ObservationDecision  ObservationType = "decision"
	ObservationBugfix    ObservationType = "bugfix"
	ObservationFeature   ObservationType = "feature"
	ObservationRefactor  ObservationType = "refactor"
	ObservationDiscovery ObservationType = "discovery"
	ObservationChange    ObservationType = "change"
)

// ObservationTypes lists all valid observation types.
var ObservationTypes = []ObservationType{
	ObservationDecision,
	ObservationBugfix,
	ObservationFeature,
	ObservationRefactor,
	ObservationDiscovery,
	ObservationChange,
}

// ValidObservationType reports whether s is one of the six closed values.
func ValidObservationType(s string) bool {
	switch ObservationType(s) {
	case ObservationDecision, ObservationBugfix, ObservationFeature,
		ObservationRefactor, ObservationDiscovery, ObservationChange:
		return true
	}
	return false
}

// CoerceObservationType maps s to a valid type, falling back to
// ObservationChange for unknown or empty values.
func CoerceObservationType(s string) ObservationType {
	if ValidObservationType(s) {
		return ObservationType(s)
	}
	return ObservationChange
}

// Observation is a compressed, structured artifact derived from one or more
// tool events. Immutable after creation. Every field except Type is optional;
// missing generator fields are stored empty rather than rejected.
type Observation struct {
	ID           int64  `json:"id"`
	SDKSessionID string `json:"sdk_session_id"`
	Project      string `json:"project"`

	Type      ObservationType `json:"type"`
	Title     string          `json:"title,omitempty"`
	Subtitle  string          `json:"subtitle,omitempty"`
	Narrative string          `json:"narrative,omitempty"`

	// Facts is an ordered sequence of short statements.
	Facts []string `json:"facts,omitempty"`

	// Concepts are controlled-vocabulary tags. Never contains the type string.
	Concepts []string `json:"concepts,omitempty"`

	FilesRead     []string `json:"files_read,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`

	PromptNumber int `json:"prompt_number,omitempty"`

	// DiscoveryTokens is the generator's input-token cost of producing this
	// observation. Used for reuse-savings statistics.
	DiscoveryTokens int `json:"discovery_tokens"`

	CreatedAt time.Time `json:"created_at"`

	// Score carries a similarity score when the record came out of a vector
	// search; zero otherwise. Not persisted.
	Score float64 `json:"score,omitempty"`
}

// SearchText is the text indexed for full-text and vector search.
func (o *Observation) SearchText() string {
	text := o.Title
	if o.Subtitle != "" {
		text += "\n" + o.Subtitle
	}
	if o.Narrative != "" {
		text += "\n" + o.Narrative
	}
	for _, f := range o.Facts {
		text += "\n" + f
	}
	return text
}

// SessionSummary is a progress checkpoint for a session. Multiple summaries
// per session are allowed; fields are all optional.
type SessionSummary struct {
	ID           int64  `json:"id"`
	SDKSessionID string `json:"sdk_session_id"`
	Project      string `json:"project"`

	Request      string `json:"request,omitempty"`
	Investigated string `json:"investigated,omitempty"`
	Learned      string `json:"learned,omitempty"`
	Completed    string `json:"completed,omitempty"`
	NextSteps    string `json:"next_steps,omitempty"`
	Notes        string `json:"notes,omitempty"`

	PromptNumber    int       `json:"prompt_number,omitempty"`
	DiscoveryTokens int       `json:"discovery_tokens"`
	CreatedAt       time.Time `json:"created_at"`

	Score float64 `json:"score,omitempty"`
}

// SearchText is the text indexed for full-text and vector search.
func (s *SessionSummary) SearchText() string {
	parts := []string{s.Request, s.Investigated, s.Learned, s.Completed, s.NextSteps, s.Notes}
	text := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += p
	}
	return text
}

// EventKind discriminates pending events on a session queue.
type EventKind string

const (
	// EventObservation is a queued tool execution awaiting observation.
	EventObservation EventKind = "observation"
	// EventSummarize is a queued summarize request.
	EventSummarize EventKind = "summarize"
)

// ToolEvent is a raw tool execution reported by the host agent.
type ToolEvent struct {
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`
	CWD          string          `json:"cwd,omitempty"`
	PromptNumber int             `json:"prompt_number"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SummarizeRequest carries the conversational context for a summary.
type SummarizeRequest struct {
	LastUserMessage      string `json:"last_user_message,omitempty"`
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`
}

// PendingEvent is one queued unit of work for a session's memory agent.
// Exactly one of Observation or Summarize is set, per Kind. Pending events
// live only in memory; the acceptable loss window on restart is the
// in-flight queue.
type PendingEvent struct {
	Kind        EventKind
	Observation *ToolEvent
	Summarize   *SummarizeRequest
}

// TokenStats is the context-economics result attached to a context view.
// ReadTokens estimates the cost of re-reading stored observations;
// WorkTokens is what the generator actually spent discovering them.
type TokenStats struct {
	ReadTokens     int     `json:"readTokens"`
	WorkTokens     int     `json:"workTokens"`
	Savings        int     `json:"savings"`
	SavingsPercent float64 `json:"savingsPercent"`
}
