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
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/mnemo/internal/log"
	"github.com/teradata-labs/mnemo/pkg/bus"
	"github.com/teradata-labs/mnemo/pkg/memagent"
	"github.com/teradata-labs/mnemo/pkg/query"
	"github.com/teradata-labs/mnemo/pkg/registry"
	"github.com/teradata-labs/mnemo/pkg/server"
	"github.com/teradata-labs/mnemo/pkg/store"
	"github.com/teradata-labs/mnemo/pkg/vector"
)

const (
	// idleStateMaxAge is how long a session's in-memory state survives
	// without activity before the reaper drops it.
	idleStateMaxAge = 30 * time.Minute

	// staleSessionMaxAge is how long an active session row may sit without
	// any recorded activity before the sweep marks it failed. Catches hosts
	// that exited without sending a complete.
	staleSessionMaxAge = 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mnemo memory server",
	Long:  `Starts the HTTP server that ingests session activity, runs the background memory agents, and serves context, search and timeline queries.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := log.Init(config.Logging.Level, config.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := config.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", config.DataDir, err)
	}

	st, err := store.Open(config.Database.Path, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	embedder, err := vector.NewEmbedder(vector.EmbedderConfig{
		Provider:       config.Embedding.Provider,
		OllamaEndpoint: config.Embedding.OllamaEndpoint,
		OllamaModel:    config.Embedding.OllamaModel,
		GeminiAPIKey:   config.Embedding.GeminiAPIKey,
		GeminiModel:    config.Embedding.GeminiModel,
	})
	if err != nil {
		return err
	}
	if embedder == nil {
		logger.Info("semantic search disabled; retrieval is full-text only")
	}

	// The index opens even without an embedder so session deletes can still
	// purge previously indexed vectors.
	index, err := vector.OpenIndex(config.Database.VectorPath, embedder, logger)
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	events := bus.New(logger)
	defer events.Close()

	gen := memagent.NewAnthropicGenerator(memagent.AnthropicConfig{
		APIKey:    config.Generator.AnthropicAPIKey,
		Model:     config.Generator.Model,
		MaxTokens: config.Generator.MaxTokens,
		BaseURL:   config.Generator.BaseURL,
	}, logger)

	reg := registry.New(st, gen, index, events, logger)
	engine := query.New(st, index, logger)

	skipList, err := server.LoadSkipList(config.Hooks.SkipToolsFile, logger)
	if err != nil {
		logger.Warn("skip list unavailable, using defaults", zap.Error(err))
		skipList = server.NewSkipList(nil, logger)
	}
	defer skipList.Close()

	srv := server.New(server.Core{
		Store:    st,
		Index:    index,
		Registry: reg,
		Engine:   engine,
		Events:   events,
	}, server.Config{
		Addr: config.Server.Addr(),
		CORS: server.DefaultCORSConfig(),
	}, skipList, logger)

	maintenance := startMaintenance(st, reg, index, logger)
	defer maintenance.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping http server", zap.Error(err))
		}

		// Runners stop after the listener so no request races the shutdown.
		reg.ShutdownAll()
		return nil
	})

	logger.Info("mnemo server ready",
		zap.String("addr", config.Server.Addr()),
		zap.String("db", config.Database.Path),
		zap.String("model", config.Generator.Model))
	return g.Wait()
}

// startMaintenance schedules the background jobs: in-memory state reaping,
// the stale-session sweep, and the vector index backfill.
func startMaintenance(st *store.Store, reg *registry.SessionRegistry, index *vector.Index, logger *zap.Logger) *cron.Cron {
	c := cron.New()

	_, _ = c.AddFunc("@every 10m", func() {
		reg.ReapIdle(idleStateMaxAge)
	})

	_, _ = c.AddFunc("@every 30m", func() {
		stale, err := st.StaleActiveSessions(time.Now().Add(-staleSessionMaxAge))
		if err != nil {
			logger.Warn("stale session sweep failed", zap.Error(err))
			return
		}
		for _, sess := range stale {
			if err := st.MarkFailed(sess.AgentSessionID); err != nil {
				logger.Warn("mark stale session failed",
					zap.String("agent_session_id", sess.AgentSessionID),
					zap.Error(err))
				continue
			}
			logger.Info("stale session marked failed",
				zap.String("agent_session_id", sess.AgentSessionID),
				zap.String("project", sess.Project))
		}
	})

	backfill := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		if _, err := index.SyncFromStore(ctx, st); err != nil {
			logger.Warn("vector index backfill failed", zap.Error(err))
		}
	}
	_, _ = c.AddFunc("@every 5m", backfill)

	// One pass right away so records ingested while embedding was down
	// become searchable without waiting for the first tick.
	go backfill()

	c.Start()
	return c
}
