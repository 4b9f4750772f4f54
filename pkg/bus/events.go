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
package bus

import (
	"encoding/json"
	"time"
)

// EventType classifies a bus event.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionCompleted  EventType = "session_completed"
	EventSessionDeleted    EventType = "session_deleted"
	EventObservationQueued EventType = "observation_queued"
	EventObservationStored EventType = "observation_stored"
	EventSummaryStored     EventType = "summary_stored"
	EventProcessingStatus  EventType = "processing_status"
)

// Event is one broadcast unit. Data holds the type-specific payload and is
// what SSE clients receive, JSON-encoded.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Marshal renders the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// SessionStartedData is the payload of session_started.
type SessionStartedData struct {
	SessionDBID int64  `json:"sessionDbId"`
	Project     string `json:"project,omitempty"`
}

// SessionCompletedData is the payload of session_completed.
type SessionCompletedData struct {
	SessionDBID int64     `json:"sessionDbId"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionDeletedData is the payload of session_deleted.
type SessionDeletedData struct {
	AgentSessionID string `json:"agentSessionId"`
}

// ObservationQueuedData is the payload of observation_queued.
type ObservationQueuedData struct {
	SessionDBID int64 `json:"sessionDbId"`
}

// RecordStoredData is the payload of observation_stored and summary_stored.
type RecordStoredData struct {
	SessionDBID int64 `json:"sessionDbId"`
	ID          int64 `json:"id"`
}

// ProcessingStatusData reports queue depth, published whenever it changes.
type ProcessingStatusData struct {
	IsProcessing bool `json:"isProcessing"`
	QueueDepth   int  `json:"queueDepth"`
}

// NewSessionStarted builds a session_started event.
func NewSessionStarted(sessionDBID int64, project string) Event {
	return Event{Type: EventSessionStarted, Data: SessionStartedData{
		SessionDBID: sessionDBID,
		Project:     project,
	}}
}

// NewSessionCompleted builds a session_completed event.
func NewSessionCompleted(sessionDBID int64) Event {
	return Event{Type: EventSessionCompleted, Data: SessionCompletedData{
		SessionDBID: sessionDBID,
		Timestamp:   time.Now(),
	}}
}

// NewSessionDeleted builds a session_deleted event.
func NewSessionDeleted(agentSessionID string) Event {
	return Event{Type: EventSessionDeleted, Data: SessionDeletedData{
		AgentSessionID: agentSessionID,
	}}
}

// NewObservationQueued builds an observation_queued event.
func NewObservationQueued(sessionDBID int64) Event {
	return Event{Type: EventObservationQueued, Data: ObservationQueuedData{SessionDBID: sessionDBID}}
}

// NewObservationStored builds an observation_stored event.
func NewObservationStored(sessionDBID, id int64) Event {
	return Event{Type: EventObservationStored, Data: RecordStoredData{SessionDBID: sessionDBID, ID: id}}
}

// NewSummaryStored builds a summary_stored event.
func NewSummaryStored(sessionDBID, id int64) Event {
	return Event{Type: EventSummaryStored, Data: RecordStoredData{SessionDBID: sessionDBID, ID: id}}
}

// NewProcessingStatus builds a processing_status event.
func NewProcessingStatus(queueDepth int) Event {
	return Event{Type: EventProcessingStatus, Data: ProcessingStatusData{
		IsProcessing: queueDepth > 0,
		QueueDepth:   queueDepth,
	}}
}
