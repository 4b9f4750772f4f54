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

// Package memagent runs one background memory agent per live session: it
// feeds tool events to a streaming generator LLM, parses the observation
// and summary XML the generator emits, and persists the artifacts.
package memagent

import (
	"context"
)

// Reply is the outcome of one generator turn. InputTokens is what the turn
// cost the generator to read; it becomes the discovery_tokens of every
// artifact parsed from the reply.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Conversation is one open streaming exchange with the generator. Turns are
// strictly sequential; Send must not be called concurrently.
type Conversation interface {
	// Send delivers a user turn and streams the reply. onText receives each
	// text chunk as it arrives and may be nil.
	Send(ctx context.Context, userText string, onText func(chunk string)) (*Reply, error)

	// Close releases the conversation. The transcript is discarded.
	Close()
}

// Generator opens streaming conversations with the external generator LLM.
type Generator interface {
	// Start opens a conversation primed with the given system prompt.
	Start(ctx context.Context, systemPrompt string) (Conversation, error)

	// Model reports the model identifier, for logging and stats.
	Model() string
}
