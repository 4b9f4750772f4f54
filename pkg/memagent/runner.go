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
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
	"github.com/teradata-labs/mnemo/pkg/vector"
)

// Queue hands the runner its session's pending events. Dequeue returns
// ok=false when the queue is drained or closed; the runner then exits and
// the owner restarts it when new work arrives.
type Queue interface {
	Dequeue(ctx context.Context) (types.PendingEvent, bool)
}

// SessionInfo is the identity the runner stamps onto every artifact.
type SessionInfo struct {
	DBID           int64
	AgentSessionID string
	Project        string
	UserPrompt     string
	PromptNumber   int

	// Resumed marks a runner restarted on a session the generator already
	// observed; it gets the shorter continuation prompt.
	Resumed bool
}

// Runner drains one session's event queue through a generator conversation,
// parses the XML the generator streams back, and persists the resulting
// observations and summaries. One runner per session; never concurrent with
// itself.
type Runner struct {
	session SessionInfo
	queue   Queue
	gen     Generator
	store   *store.Store
	index   *vector.Index
	events  *bus.EventBus
	logger  *zap.Logger

	conv Conversation
}

// NewRunner wires a runner. index and events may be nil (vector search or
// event fan-out disabled).
func NewRunner(session SessionInfo, queue Queue, gen Generator, st *store.Store, index *vector.Index, events *bus.EventBus, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		session: session,
		queue:   queue,
		gen:     gen,
		store:   st,
		index:   index,
		events:  events,
		logger: logger.With(
			zap.Int64("session_db_id", session.DBID),
			zap.String("project", session.Project)),
	}
}

// Run processes events until the queue drains or the generator fails.
// Persistence errors are logged and skipped; generator errors abort the
// runner so the owner can mark the session failed.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		if r.conv != nil {
			r.conv.Close()
			r.conv = nil
		}
	}()

	for {
		ev, ok := r.queue.Dequeue(ctx)
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch ev.Kind {
		case types.EventObservation:
			err = r.observe(ctx, ev.Observation)
		case types.EventSummarize:
			err = r.summarize(ctx, ev.Summarize)
		default:
			r.logger.Warn("unknown pending event kind", zap.String("kind", string(ev.Kind)))
		}
		if err != nil {
			return err
		}
	}
}

// conversation lazily opens the generator conversation on first use.
func (r *Runner) conversation(ctx context.Context) (Conversation, error) {
	if r.conv != nil {
		return r.conv, nil
	}
	prompt := InitPrompt(r.session.Project, r.session.UserPrompt)
	if r.session.Resumed {
		prompt = ContinuationPrompt(r.session.Project)
	}
	conv, err := r.gen.Start(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("start generator conversation: %w", err)
	}
	r.conv = conv
	r.logger.Info("generator conversation started",
		zap.String("model", r.gen.Model()),
		zap.Bool("resumed", r.session.Resumed))
	return conv, nil
}

// observe sends one tool event and persists whatever elements came back.
// Elements already streamed before a mid-turn failure are still persisted;
// their discovery cost is unknown and recorded as zero.
func (r *Runner) observe(ctx context.Context, ev *types.ToolEvent) error {
	conv, err := r.conversation(ctx)
	if err != nil {
		return err
	}

	scanner := NewElementScanner()
	var elems []Element
	reply, sendErr := conv.Send(ctx, EventXML(ev), func(chunk string) {
		elems = append(elems, scanner.Feed(chunk)...)
	})

	tokens := 0
	if reply != nil {
		tokens = reply.InputTokens
	}
	r.persistElements(ctx, elems, ev.PromptNumber, tokens)

	if sendErr != nil {
		return fmt.Errorf("observe turn: %w", sendErr)
	}
	return nil
}

// summarize requests a session summary. A turn that produces neither a
// summary nor an explicit <skip_summary/> still stores an empty summary
// record, so the checkpoint is never silently dropped.
func (r *Runner) summarize(ctx context.Context, req *types.SummarizeRequest) error {
	conv, err := r.conversation(ctx)
	if err != nil {
		return err
	}

	scanner := NewElementScanner()
	var elems []Element
	reply, sendErr := conv.Send(ctx, SummarizePrompt(req), func(chunk string) {
		elems = append(elems, scanner.Feed(chunk)...)
	})
	if sendErr != nil {
		return fmt.Errorf("summarize turn: %w", sendErr)
	}

	tokens := 0
	if reply != nil {
		tokens = reply.InputTokens
	}

	gotSummary := false
	skipped := false
	for _, el := range elems {
		switch el.Name {
		case ElemSummary:
			gotSummary = true
		case ElemSkipSummary:
			skipped = true
		}
	}
	r.persistElements(ctx, elems, r.session.PromptNumber, tokens)

	if !gotSummary && !skipped {
		r.logger.Warn("generator produced no summary element; storing empty checkpoint")
		r.storeSummary(ctx, &types.SessionSummary{}, tokens)
	}
	return nil
}

func (r *Runner) persistElements(ctx context.Context, elems []Element, promptNumber, tokens int) {
	for _, el := range elems {
		switch el.Name {
		case ElemObservation:
			obs := ParseObservation(el.Raw)
			obs.PromptNumber = promptNumber
			r.storeObservation(ctx, obs, tokens)
		case ElemSummary:
			r.storeSummary(ctx, ParseSummary(el.Raw), tokens)
		}
	}
}

func (r *Runner) storeObservation(ctx context.Context, obs *types.Observation, tokens int) {
	obs.SDKSessionID = r.session.AgentSessionID
	obs.Project = r.session.Project
	obs.DiscoveryTokens = tokens

	stored, err := r.store.StoreObservation(obs)
	if err != nil {
		r.logger.Error("store observation", zap.Error(err))
		return
	}
	r.indexRecord(ctx, vector.KindObservation, stored.ID, string(stored.Type), stored.SearchText(), stored.CreatedAt)
	r.publish(bus.NewObservationStored(r.session.DBID, stored.ID))
	r.logger.Debug("observation stored",
		zap.Int64("id", stored.ID),
		zap.String("type", string(stored.Type)),
		zap.Int("discovery_tokens", tokens))
}

func (r *Runner) storeSummary(ctx context.Context, sum *types.SessionSummary, tokens int) {
	sum.SDKSessionID = r.session.AgentSessionID
	sum.Project = r.session.Project
	if sum.PromptNumber == 0 {
		sum.PromptNumber = r.session.PromptNumber
	}
	sum.DiscoveryTokens = tokens

	stored, err := r.store.StoreSummary(sum)
	if err != nil {
		r.logger.Error("store summary", zap.Error(err))
		return
	}
	r.indexRecord(ctx, vector.KindSummary, stored.ID, "", stored.SearchText(), stored.CreatedAt)
	r.publish(bus.NewSummaryStored(r.session.DBID, stored.ID))
	r.logger.Debug("summary stored", zap.Int64("id", stored.ID))
}

// indexRecord is best-effort: the row is already durable in the store, so an
// embedding failure only degrades search.
func (r *Runner) indexRecord(ctx context.Context, kind vector.RecordKind, id int64, obsType, text string, createdAt time.Time) {
	if r.index == nil || !r.index.Enabled() {
		return
	}
	rec := vector.Record{
		Kind:      kind,
		RecordID:  id,
		Project:   r.session.Project,
		Type:      obsType,
		CreatedAt: createdAt,
		Text:      text,
	}
	if err := r.index.Upsert(ctx, rec); err != nil {
		r.logger.Warn("vector index upsert failed",
			zap.String("kind", string(kind)),
			zap.Int64("record_id", id),
			zap.Error(err))
	}
}

func (r *Runner) publish(ev bus.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}
