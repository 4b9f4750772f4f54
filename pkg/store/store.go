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

// Package store provides durable SQLite storage for sessions, observations,
// summaries and user prompts, with FTS5 full-text indexes maintained by
// triggers and versioned, defensively-checked schema migrations.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/mnemo/internal/sqlitedriver" // registers "sqlite3" driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database. All writes are transactional; the FTS5
// indexes are maintained by triggers so atomicity carries over to search.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the database at path, enables WAL mode
// and runs schema migrations. A migration failure that affects a required
// column is returned as an error and must be treated as fatal by the caller.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency; the engine is single-writer
	// and writes are short, so readers interleave freely.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// encodeList JSON-encodes a string slice for storage. Nil and empty slices
// are stored as NULL so they round-trip as absent.
func encodeList(items []string) sql.NullString {
	if len(items) == 0 {
		return sql.NullString{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

// decodeList decodes a JSON-encoded string slice column.
func decodeList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return nil
	}
	return items
}

// nullable maps "" to NULL so optional text fields round-trip as absent.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNull(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// Timestamps are stored as unix milliseconds.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
