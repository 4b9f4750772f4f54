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
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/query"
	"github.com/teradata-labs/mnemo/pkg/types"
	"github.com/teradata-labs/mnemo/pkg/vector"
)

// handleContext serves the session-start memory payload for a project.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	params := r.URL.Query()

	view, err := s.core.Engine.GetContext(r.Context(), project,
		intParam(params, "limit"), intParam(params, "summary_limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSearch is the unified search endpoint. The tool parameter selects
// the record kind; format selects full records or the compact index view.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	format, ok := query.ParseFormat(params.Get("format"))
	if !ok {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": fmt.Sprintf("unknown format %q", params.Get("format"))})
		return
	}

	req := query.Request{
		Text:  params.Get("query"),
		Limit: intParam(params, "limit"),
		Filters: query.Filters{
			Project:  params.Get("project"),
			Concepts: listParam(params, "concepts"),
			Files:    listParam(params, "files"),
			Since:    timeParam(params, "dateRange[start]", "start"),
			Until:    timeParam(params, "dateRange[end]", "end"),
		},
	}
	for _, t := range listParam(params, "obs_type") {
		req.Filters.Types = append(req.Filters.Types, types.ObservationType(t))
	}

	switch tool := params.Get("tool"); tool {
	case "", "observations":
		results, err := s.core.Engine.SearchObservations(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if format == query.FormatIndex {
			writeJSON(w, http.StatusOK, map[string]any{"results": query.ObservationIndex(results)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})

	case "summaries":
		results, err := s.core.Engine.SearchSummaries(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if format == query.FormatIndex {
			writeJSON(w, http.StatusOK, map[string]any{"results": query.SummaryIndex(results)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})

	case "prompts":
		results, err := s.core.Engine.SearchPrompts(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})

	default:
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": fmt.Sprintf("unknown search tool %q", tool)})
	}
}

// handleTimeline expands the unified timeline. An explicit anchor (record id
// or RFC 3339 timestamp) takes precedence; otherwise a query finds one.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	project := params.Get("project")
	before := intParam(params, "depth_before")
	after := intParam(params, "depth_after")

	if anchor := params.Get("anchor"); anchor != "" {
		kind, id, err := s.core.Engine.ResolveAnchor(anchor, project)
		if err != nil {
			s.writeError(w, err)
			return
		}
		entries, err := s.core.Engine.TimelineAround(r.Context(), kind, id, before, after, project)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, query.TimelineResult{Entries: entries})
		return
	}

	result, err := s.core.Engine.TimelineByQuery(r.Context(), params.Get("query"),
		query.TimelineMode(params.Get("mode")), before, after, project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	obs, err := s.core.Store.GetObservation(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// handleGetSession returns a session row with its prompts and summaries.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.core.Store.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	prompts, err := s.core.Store.GetSessionPrompts(sess.AgentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	summaries, err := s.core.Store.GetSessionSummaries(sess.AgentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   sess,
		"prompts":   prompts,
		"summaries": summaries,
	})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	prompt, err := s.core.Store.GetPrompt(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.core.Store.GetCounts(r.URL.Query().Get("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	projects, err := s.core.Store.GetUniqueProjects()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":   counts,
		"projects": projects,
	})
}

func (s *Server) handleProcessingStatus(w http.ResponseWriter, _ *http.Request) {
	depth := s.core.Registry.TotalActiveWork()
	writeJSON(w, http.StatusOK, bus.ProcessingStatusData{
		IsProcessing: depth > 0,
		QueueDepth:   depth,
	})
}

// handleDeleteSession removes a session and everything derived from it. The
// vector entries are purged synchronously so a re-created session never
// surfaces stale matches.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	agentSessionID := r.PathValue("id")

	deleted, err := s.core.Store.DeleteSession(agentSessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.core.Index != nil {
		if err := s.core.Index.Remove(vector.KindObservation, deleted.ObservationIDs); err != nil {
			s.writeError(w, fmt.Errorf("purge observation vectors: %w", err))
			return
		}
		if err := s.core.Index.Remove(vector.KindSummary, deleted.SummaryIDs); err != nil {
			s.writeError(w, fmt.Errorf("purge summary vectors: %w", err))
			return
		}
	}

	s.core.Registry.Remove(agentSessionID)
	s.publish(bus.NewSessionDeleted(agentSessionID))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "deleted",
		"observations": len(deleted.ObservationIDs),
		"summaries":    len(deleted.SummaryIDs),
	})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func intParam(params url.Values, name string) int {
	n, _ := strconv.Atoi(params.Get(name))
	return n
}

// listParam splits a comma-separated parameter, dropping empty entries.
func listParam(params url.Values, name string) []string {
	raw := params.Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// timeParam parses a date-range bound from the first of the given parameter
// names that is set: RFC 3339 first, then bare date.
func timeParam(params url.Values, names ...string) time.Time {
	var raw string
	for _, name := range names {
		if raw = params.Get(name); raw != "" {
			break
		}
	}
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return ts
	}
	return time.Time{}
}
