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
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/mnemo/internal/sqlitedriver" // registers "sqlite3" driver
)

// RecordKind tags what an index entry points at.
type RecordKind string

const (
	KindObservation RecordKind = "obs"
	KindSummary     RecordKind = "summary"
)

// maxChunkChars bounds the text embedded per chunk. Long narratives are
// split so each chunk stays within typical embedding-model context.
const maxChunkChars = 2000

// Index is a SQLite-backed vector store. Entries are keyed "kind:recordID#chunk"
// and queried by brute-force cosine similarity over metadata-filtered
// candidates; the corpus is small enough (thousands of rows) that no ANN
// structure is needed.
type Index struct {
	db       *sql.DB
	embedder Embedder
	logger   *zap.Logger
}

// OpenIndex opens (creating if necessary) the vector database at path.
// The embedder may be nil, in which case Upsert and Query refuse to run and
// callers should treat semantic search as disabled.
func OpenIndex(path string, embedder Embedder, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vector database %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			record_id INTEGER NOT NULL,
			chunk INTEGER NOT NULL DEFAULT 0,
			project TEXT NOT NULL DEFAULT '',
			obs_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			dims INTEGER NOT NULL,
			embedding BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_kind_record ON vectors(kind, record_id);
		CREATE INDEX IF NOT EXISTS idx_vectors_project ON vectors(project);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create vectors schema: %w", err)
	}
	return &Index{db: db, embedder: embedder, logger: logger}, nil
}

// Close closes the underlying database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Enabled reports whether an embedding backend is configured.
func (x *Index) Enabled() bool {
	return x != nil && x.embedder != nil
}

// Record describes one record to index.
type Record struct {
	Kind      RecordKind
	RecordID  int64
	Project   string
	Type      string
	CreatedAt time.Time
	Text      string
}

// Upsert embeds the record's text (chunked) and writes the chunks,
// replacing any previous entry for the same record. Empty text removes the
// record from the index.
func (x *Index) Upsert(ctx context.Context, rec Record) error {
	if !x.Enabled() {
		return fmt.Errorf("vector index disabled: no embedding backend")
	}

	chunks := chunkText(rec.Text)
	if len(chunks) == 0 {
		return x.Remove(rec.Kind, []int64{rec.RecordID})
	}

	embeddings, err := x.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed %s:%d: %w", rec.Kind, rec.RecordID, err)
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin vector upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		"DELETE FROM vectors WHERE kind = ? AND record_id = ?", string(rec.Kind), rec.RecordID,
	); err != nil {
		return fmt.Errorf("clear stale chunks: %w", err)
	}

	for i, emb := range embeddings {
		id := fmt.Sprintf("%s:%d#%d", rec.Kind, rec.RecordID, i)
		if _, err := tx.Exec(`
			INSERT INTO vectors (id, kind, record_id, chunk, project, obs_type, created_at, dims, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, string(rec.Kind), rec.RecordID, i, rec.Project, rec.Type,
			rec.CreatedAt.UnixMilli(), len(emb), encodeEmbedding(emb)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vector upsert: %w", err)
	}

	x.logger.Debug("vector upsert",
		zap.String("kind", string(rec.Kind)),
		zap.Int64("record_id", rec.RecordID),
		zap.Int("chunks", len(chunks)))
	return nil
}

// Remove drops all chunks of the given records. A nil embedder does not
// block removal; deletion must work even when search is disabled.
func (x *Index) Remove(kind RecordKind, recordIDs []int64) error {
	if len(recordIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(recordIDs))
	args := make([]any, 0, len(recordIDs)+1)
	args = append(args, string(kind))
	for _, id := range recordIDs {
		args = append(args, id)
	}
	_, err := x.db.Exec(
		"DELETE FROM vectors WHERE kind = ? AND record_id IN ("+placeholders[:len(placeholders)-1]+")",
		args...)
	if err != nil {
		return fmt.Errorf("remove vectors: %w", err)
	}
	return nil
}

// QueryFilter narrows a similarity search before scoring.
type QueryFilter struct {
	Kind    RecordKind
	Project string
	// Types restricts observation entries to the given observation types.
	Types []string
	// Since excludes entries created before it.
	Since time.Time
	Limit int
}

// ScoredRecord is one similarity result, collapsed to the record level:
// when multiple chunks of one record match, the best chunk's score wins.
type ScoredRecord struct {
	Kind     RecordKind
	RecordID int64
	Score    float64
}

// Query embeds the query text and returns the most similar records,
// best first.
func (x *Index) Query(ctx context.Context, query string, filter QueryFilter) ([]ScoredRecord, error) {
	if !x.Enabled() {
		return nil, nil
	}
	queryVec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sqlQuery := "SELECT id, kind, record_id, embedding FROM vectors WHERE 1=1"
	args := []any{}
	if filter.Kind != "" {
		sqlQuery += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Project != "" {
		sqlQuery += " AND project = ?"
		args = append(args, filter.Project)
	}
	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Types))
		sqlQuery += " AND obs_type IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if !filter.Since.IsZero() {
		sqlQuery += " AND created_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}

	rows, err := x.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	defer rows.Close()

	type ref struct {
		kind     RecordKind
		recordID int64
	}
	candidates := make(map[string][]float32)
	refs := make(map[string]ref)
	for rows.Next() {
		var (
			id, kind string
			recordID int64
			blob     []byte
		)
		if err := rows.Scan(&id, &kind, &recordID, &blob); err != nil {
			return nil, err
		}
		candidates[id] = decodeEmbedding(blob)
		refs[id] = ref{kind: RecordKind(kind), recordID: recordID}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	// Score more chunks than records wanted; collapsing can only shrink.
	matches := findTopK(queryVec, candidates, limit*4)

	best := make(map[ref]float64)
	order := make([]ref, 0, len(matches))
	for _, m := range matches {
		r := refs[m.ID]
		if prev, seen := best[r]; !seen || m.Score > prev {
			if !seen {
				order = append(order, r)
			}
			best[r] = m.Score
		}
	}

	out := make([]ScoredRecord, 0, len(order))
	for _, r := range order {
		out = append(out, ScoredRecord{Kind: r.kind, RecordID: r.recordID, Score: best[r]})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// IndexedRecordIDs returns the set of record ids present for a kind, used by
// the backfill job to find unembedded records.
func (x *Index) IndexedRecordIDs(kind RecordKind) (map[int64]bool, error) {
	rows, err := x.db.Query("SELECT DISTINCT record_id FROM vectors WHERE kind = ?", string(kind))
	if err != nil {
		return nil, fmt.Errorf("list indexed records: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// chunkText splits text into chunks of at most maxChunkChars, breaking on
// line boundaries where possible. Whitespace-only text yields no chunks.
func chunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChunkChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		// A single oversized line is split hard.
		for len(line) > maxChunkChars {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, line[:maxChunkChars])
			line = line[maxChunkChars:]
		}
		if current.Len()+len(line)+1 > maxChunkChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// Embeddings are stored as little-endian float32 blobs.

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
