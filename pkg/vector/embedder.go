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

// Package vector provides semantic search over stored memory records: an
// embedding backend abstraction (Ollama local, Gemini cloud) and a
// SQLite-backed vector index queried by brute-force cosine similarity.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// Name identifies the backend, e.g. "ollama:embeddinggemma".
	Name() string
}

// HealthChecker is implemented by embedders that can verify reachability
// before batch work is scheduled against them.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EmbedderConfig selects and configures an embedding backend.
type EmbedderConfig struct {
	// Provider is "ollama", "gemini" or "none".
	Provider string

	OllamaEndpoint string
	OllamaModel    string

	GeminiAPIKey string
	GeminiModel  string
}

// DefaultEmbedderConfig returns the local-first defaults.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GeminiModel:    "gemini-embedding-001",
	}
}

// NewEmbedder builds an embedding backend from config. Provider "none"
// returns (nil, nil): semantic search is then disabled and retrieval falls
// back to full-text only.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "gemini":
		return NewGeminiEmbedder(cfg.GeminiAPIKey, cfg.GeminiModel)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (use ollama, gemini or none)", cfg.Provider)
	}
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors. A zero-magnitude vector yields 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Match is one scored candidate from a similarity search.
type Match struct {
	// ID is the record id of the indexed entry ("obs:12", "summary:3").
	ID string
	// Score is the cosine similarity in [-1, 1].
	Score float64
}

// findTopK scores every candidate against the query and returns the best k,
// highest first. Candidates with mismatched dimensions are skipped.
func findTopK(query []float32, candidates map[string][]float32, k int) []Match {
	if k <= 0 {
		k = 10
	}
	matches := make([]Match, 0, len(candidates))
	for id, vec := range candidates {
		score, err := CosineSimilarity(query, vec)
		if err != nil || score <= 0 {
			continue
		}
		matches = append(matches, Match{ID: id, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
