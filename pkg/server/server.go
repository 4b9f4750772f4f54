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

// Package server is the protocol layer: a thin HTTP surface routing host
// agents and viewers to the store, registry, query engine and event bus.
// Handlers are short and non-blocking; long-running work lives in the
// per-session memory agents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/query"
	"github.com/teradata-labs/mnemo/pkg/registry"
	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/vector"
)

// DefaultPort is the port host adapters expect unless reconfigured.
const DefaultPort = 37777

// Config holds the HTTP surface configuration.
type Config struct {
	Addr string
	CORS CORSConfig
}

// Core bundles the components handlers need. No global state: everything a
// handler touches arrives through here.
type Core struct {
	Store    *store.Store
	Index    *vector.Index
	Registry *registry.SessionRegistry
	Engine   *query.Engine
	Events   *bus.EventBus
}

// Server is the HTTP protocol layer.
type Server struct {
	core       Core
	cfg        Config
	skipList   *SkipList
	logger     *zap.Logger
	httpServer *http.Server
}

// New creates the server. skipList may be nil, in which case the default
// tool skip-set is used without file watching.
func New(core Core, cfg Config, skipList *SkipList, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if skipList == nil {
		skipList = NewSkipList(nil, logger)
	}

	s := &Server{
		core:     core,
		cfg:      cfg,
		skipList: skipList,
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.buildHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Ingestion surface: enqueue, ensure, broadcast, return.
	mux.Handle("POST /api/sessions/ensure",
		s.validated(ensureSessionSchema, s.handleEnsureSession))
	mux.Handle("POST /api/observations",
		s.validated(observationSchema, s.handleObservation))
	mux.Handle("POST /api/sessions/summarize",
		s.validated(summarizeSchema, s.handleSummarize))
	mux.Handle("POST /api/sessions/complete",
		s.validated(completeSchema, s.handleComplete))

	// Query surface, gzip-compressed.
	queryRoutes := map[string]http.HandlerFunc{
		"GET /api/context/{project}": s.handleContext,
		"GET /api/search":            s.handleSearch,
		"GET /api/timeline":          s.handleTimeline,
		"GET /api/observation/{id}":  s.handleGetObservation,
		"GET /api/session/{id}":      s.handleGetSession,
		"GET /api/prompt/{id}":       s.handleGetPrompt,
		"GET /api/stats":             s.handleStats,
		"GET /api/processing-status": s.handleProcessingStatus,
	}
	for pattern, handler := range queryRoutes {
		mux.Handle(pattern, gzhttp.GzipHandler(handler))
	}

	mux.HandleFunc("DELETE /api/session/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /stream", s.handleStream)

	return s.withMiddleware(mux)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error to the right status code and a JSON body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
