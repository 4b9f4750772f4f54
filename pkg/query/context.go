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

	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/types"
)

const (
	// DefaultContextLimit and MaxContextLimit bound the observation count in
	// a context view.
	DefaultContextLimit = 50
	MaxContextLimit     = 200

	// DefaultSummaryLimit and MaxSummaryLimit bound the summary count.
	DefaultSummaryLimit = 10
	MaxSummaryLimit     = 50
)

// ContextView is the canonical memory payload an agent fetches at session
// start: recent observations, recent summaries, and what re-reading them
// costs versus what discovering them cost.
type ContextView struct {
	Project      string                  `json:"project"`
	Observations []*types.Observation    `json:"observations"`
	Summaries    []*types.SessionSummary `json:"summaries"`
	TokenStats   types.TokenStats        `json:"tokenStats"`
}

// GetContext assembles the context view for a project.
func (e *Engine) GetContext(_ context.Context, project string, limit, summaryLimit int) (*ContextView, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: project is required", ErrBadRequest)
	}
	limit = clampLimit(limit, DefaultContextLimit, MaxContextLimit)
	summaryLimit = clampLimit(summaryLimit, DefaultSummaryLimit, MaxSummaryLimit)

	observations, err := e.store.GetRecentObservations(project, limit)
	if err != nil {
		return nil, fmt.Errorf("context observations: %w", err)
	}
	summaries, err := e.store.GetRecentSummaries(project, summaryLimit)
	if err != nil {
		return nil, fmt.Errorf("context summaries: %w", err)
	}

	return &ContextView{
		Project:      project,
		Observations: observations,
		Summaries:    summaries,
		TokenStats:   store.ComputeTokenStats(observations),
	}, nil
}
