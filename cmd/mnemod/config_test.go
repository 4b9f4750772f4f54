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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validTestConfig() *Config {
	return &Config{
		Server:    ServerConfig{Port: 37777, Host: "127.0.0.1"},
		Generator: GeneratorConfig{AnthropicAPIKey: "sk-test", Model: "claude-haiku-4-5"},
		Embedding: EmbeddingConfig{Provider: "ollama", OllamaEndpoint: "http://localhost:11434"},
		Database:  DatabaseConfig{Path: "/tmp/mnemo.db"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validTestConfig().Validate())

	c := validTestConfig()
	c.Generator.AnthropicAPIKey = ""
	assert.ErrorContains(t, c.Validate(), "anthropic API key")

	c = validTestConfig()
	c.Server.Port = 0
	assert.ErrorContains(t, c.Validate(), "invalid port")

	c = validTestConfig()
	c.Embedding.Provider = "word2vec"
	assert.ErrorContains(t, c.Validate(), "unsupported embedding provider")

	c = validTestConfig()
	c.Embedding.Provider = "gemini"
	assert.ErrorContains(t, c.Validate(), "gemini API key")

	// Semantic search can be switched off entirely.
	c = validTestConfig()
	c.Embedding = EmbeddingConfig{Provider: "none"}
	require.NoError(t, c.Validate())
}

func TestGetDataDirRespectsEnv(t *testing.T) {
	t.Setenv("MNEMO_DATA_DIR", "/tmp/mnemo-test")
	assert.Equal(t, "/tmp/mnemo-test", GetDataDir())
}

func TestGenerateExampleConfigIsValidYAML(t *testing.T) {
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(GenerateExampleConfig()), &doc))
	assert.Contains(t, doc, "server")
	assert.Contains(t, doc, "generator")
	assert.Contains(t, doc, "embedding")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "********", maskSecret("short"))
	assert.Equal(t, "sk-a...wxyz", maskSecret("sk-abcdefgh-tuvwxyz"))
}
