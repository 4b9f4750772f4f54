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
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultModel is the generator model used when none is configured.
	DefaultModel = "claude-haiku-4-5"
	// DefaultMaxTokens bounds each generator reply.
	DefaultMaxTokens = 4096
)

// AnthropicGenerator talks to the Anthropic Messages API with streaming.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// AnthropicConfig configures the generator client.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// NewAnthropicGenerator creates the generator client.
func NewAnthropicGenerator(cfg AnthropicConfig, logger *zap.Logger) *AnthropicGenerator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		logger:    logger,
	}
}

// Model reports the configured model identifier.
func (g *AnthropicGenerator) Model() string {
	return g.model
}

// Start opens a conversation. The transcript is kept client-side and re-sent
// with every turn; the system prompt stays fixed for the conversation's life.
func (g *AnthropicGenerator) Start(_ context.Context, systemPrompt string) (Conversation, error) {
	return &anthropicConversation{
		gen:    g,
		system: systemPrompt,
	}, nil
}

type anthropicConversation struct {
	gen      *AnthropicGenerator
	system   string
	messages []anthropic.MessageParam
	closed   bool
}

// Send appends the user turn, streams the reply, and appends the assistant
// reply to the transcript. Transient failures while opening the stream are
// retried with exponential backoff; a failure mid-stream is returned as-is
// because the partial reply may already have been consumed.
func (c *anthropicConversation) Send(ctx context.Context, userText string, onText func(string)) (*Reply, error) {
	if c.closed {
		return nil, fmt.Errorf("conversation is closed")
	}

	c.messages = append(c.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.gen.model),
		Messages:  c.messages,
		MaxTokens: c.gen.maxTokens,
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}

	var reply *Reply
	operation := func() error {
		r, err := c.streamTurn(ctx, params, onText)
		if err != nil {
			if r != nil {
				// Tokens already surfaced downstream; do not replay the turn.
				return backoff.Permanent(err)
			}
			return err
		}
		reply = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.gen.logger.Warn("generator turn failed; retrying",
			zap.Error(err),
			zap.Duration("backoff", wait))
	}); err != nil {
		// Drop the unanswered user turn so a later retry starts clean.
		c.messages = c.messages[:len(c.messages)-1]
		return nil, fmt.Errorf("generator turn: %w", err)
	}

	c.messages = append(c.messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(reply.Text)))
	return reply, nil
}

// streamTurn runs one streaming request. The returned *Reply is non-nil even
// on error once any chunk was delivered, so the caller can distinguish
// before-first-byte failures (retryable) from mid-stream ones.
func (c *anthropicConversation) streamTurn(ctx context.Context, params anthropic.MessageNewParams, onText func(string)) (*Reply, error) {
	stream := c.gen.client.Messages.NewStreaming(ctx, params)

	var (
		text       strings.Builder
		reply      Reply
		anyChunk   bool
	)
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			reply.InputTokens = int(event.Message.Usage.InputTokens)
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				anyChunk = true
				text.WriteString(event.Delta.Text)
				if onText != nil {
					onText(event.Delta.Text)
				}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				reply.StopReason = string(event.Delta.StopReason)
			}
			if event.Usage.OutputTokens > 0 {
				reply.OutputTokens = int(event.Usage.OutputTokens)
			}
		}
	}
	reply.Text = text.String()

	if err := stream.Err(); err != nil {
		if anyChunk {
			return &reply, fmt.Errorf("stream interrupted: %w", err)
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &reply, nil
}

func (c *anthropicConversation) Close() {
	c.closed = true
	c.messages = nil
}

var _ Generator = (*AnthropicGenerator)(nil)
