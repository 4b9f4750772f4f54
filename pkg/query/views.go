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
	"time"

	"github.com/teradata-labs/mnemo/pkg/types"
)

// Format selects how much of each record a search response carries.
type Format string

const (
	// FormatFull returns complete records. The default.
	FormatFull Format = "full"
	// FormatIndex returns the compact headline view.
	FormatIndex Format = "index"
)

// ParseFormat maps a request parameter to a Format, defaulting to full.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "", string(FormatFull):
		return FormatFull, true
	case string(FormatIndex):
		return FormatIndex, true
	}
	return "", false
}

// IndexEntry is the compact view of a record: enough to decide whether the
// full record is worth fetching, cheap enough to list by the dozen.
type IndexEntry struct {
	ID        int64                 `json:"id"`
	Kind      string                `json:"kind"`
	Type      types.ObservationType `json:"type,omitempty"`
	Title     string                `json:"title,omitempty"`
	Subtitle  string                `json:"subtitle,omitempty"`
	Project   string                `json:"project"`
	CreatedAt time.Time             `json:"created_at"`
	Score     float64               `json:"score,omitempty"`
	Concepts  []string              `json:"concepts,omitempty"`
	Files     []string              `json:"files,omitempty"`
}

// ObservationIndex projects observations to the compact view.
func ObservationIndex(observations []*types.Observation) []IndexEntry {
	out := make([]IndexEntry, 0, len(observations))
	for _, obs := range observations {
		files := append(append([]string(nil), obs.FilesRead...), obs.FilesModified...)
		out = append(out, IndexEntry{
			ID:        obs.ID,
			Kind:      "observation",
			Type:      obs.Type,
			Title:     obs.Title,
			Subtitle:  obs.Subtitle,
			Project:   obs.Project,
			CreatedAt: obs.CreatedAt,
			Score:     obs.Score,
			Concepts:  obs.Concepts,
			Files:     files,
		})
	}
	return out
}

// SummaryIndex projects summaries to the compact view. The request line
// doubles as the headline.
func SummaryIndex(summaries []*types.SessionSummary) []IndexEntry {
	out := make([]IndexEntry, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, IndexEntry{
			ID:        sum.ID,
			Kind:      "summary",
			Title:     sum.Request,
			Subtitle:  sum.Completed,
			Project:   sum.Project,
			CreatedAt: sum.CreatedAt,
			Score:     sum.Score,
		})
	}
	return out
}
