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
package query

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
)

// MaxTimelineDepth bounds expansion on each side of the anchor.
const MaxTimelineDepth = 50

// TimelineMode selects how timelineByQuery resolves its anchor.
type TimelineMode string

const (
	// TimelineAuto anchors on the top search hit and returns its timeline.
	TimelineAuto TimelineMode = "auto"
	// TimelineInteractive returns candidate anchors for the caller to pick.
	TimelineInteractive TimelineMode = "interactive"
)

// TimelineResult is either an expanded timeline (auto) or a list of
// candidate anchors (interactive).
type TimelineResult struct {
	Entries    []*store.TimelineEntry `json:"entries,omitempty"`
	Candidates []IndexEntry           `json:"candidates,omitempty"`
}

// ResolveAnchor interprets a timeline anchor parameter: a numeric value is
// an observation id; anything else must parse as an RFC 3339 timestamp and
// resolves to the record nearest that moment.
func (e *Engine) ResolveAnchor(anchor, project string) (store.TimelineKind, int64, error) {
	if anchor == "" {
		return "", 0, fmt.Errorf("%w: anchor is required", ErrBadRequest)
	}
	if id, err := strconv.ParseInt(anchor, 10, 64); err == nil {
		return store.TimelineObservation, id, nil
	}
	ts, err := time.Parse(time.RFC3339, anchor)
	if err != nil {
		return "", 0, fmt.Errorf("%w: anchor must be a record id or RFC 3339 timestamp", ErrBadRequest)
	}
	return e.store.NearestTimelineAnchor(ts, project)
}

// TimelineAround expands the unified timeline around an anchor record.
func (e *Engine) TimelineAround(_ context.Context, kind store.TimelineKind, anchorID int64, before, after int, project string) ([]*store.TimelineEntry, error) {
	before = clampDepth(before)
	after = clampDepth(after)
	return e.store.GetTimelineAround(kind, anchorID, before, after, project)
}

// TimelineByQuery finds anchor candidates by search. In auto mode the top
// hit anchors an expanded timeline; in interactive mode the candidates come
// back for the caller to choose from.
func (e *Engine) TimelineByQuery(ctx context.Context, text string, mode TimelineMode, before, after int, project string) (*TimelineResult, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: timeline query text is required", ErrBadRequest)
	}
	switch mode {
	case "", TimelineAuto, TimelineInteractive:
	default:
		return nil, fmt.Errorf("%w: unknown timeline mode %q", ErrBadRequest, mode)
	}

	hits, err := e.SearchObservations(ctx, Request{
		Text:    text,
		Filters: Filters{Project: project},
		Limit:   10,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &TimelineResult{}, nil
	}

	if mode == TimelineInteractive {
		return &TimelineResult{Candidates: ObservationIndex(hits)}, nil
	}

	anchor := topHit(hits)
	entries, err := e.TimelineAround(ctx, store.TimelineObservation, anchor.ID, before, after, project)
	if err != nil {
		return nil, err
	}
	return &TimelineResult{Entries: entries}, nil
}

// topHit picks the best-scoring hit; when scores are absent (full-text
// path) the newest hit wins, which is the list head after recency sort.
func topHit(hits []*types.Observation) *types.Observation {
	best := hits[0]
	for _, h := range hits[1:] {
		if h.Score > best.Score {
			best = h
		}
	}
	return best
}

func clampDepth(depth int) int {
	if depth < 0 {
		return 0
	}
	if depth > MaxTimelineDepth {
		return MaxTimelineDepth
	}
	return depth
}
