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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	"github.com/teradata-labs/mnemo/pkg/server"
)

const (
	// ServiceName for keyring storage
	ServiceName = "mnemo"
	// DefaultConfigFileName is the name of the config file
	DefaultConfigFileName = "mnemod"
)

// Config holds all configuration for the mnemo server.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// DataDir is the mnemo data directory. Set from MNEMO_DATA_DIR or
	// ~/.mnemo, never from the config file.
	DataDir string `mapstructure:"-"`

	Server    ServerConfig    `mapstructure:"server"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
}

// ServerConfig holds the HTTP surface configuration.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// Addr is the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GeneratorConfig holds the memory-agent LLM configuration.
type GeneratorConfig struct {
	// AnthropicAPIKey comes from CLI/env/keyring only, never the config file.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	Model           string `mapstructure:"model"`
	MaxTokens       int    `mapstructure:"max_tokens"`
	BaseURL         string `mapstructure:"base_url"`
}

// EmbeddingConfig holds the embedding backend configuration.
type EmbeddingConfig struct {
	// Provider is "ollama", "gemini" or "none" (semantic search disabled).
	Provider       string `mapstructure:"provider"`
	OllamaEndpoint string `mapstructure:"ollama_endpoint"`
	OllamaModel    string `mapstructure:"ollama_model"`
	GeminiAPIKey   string `mapstructure:"gemini_api_key"` // From CLI/env/keyring only
	GeminiModel    string `mapstructure:"gemini_model"`
}

// DatabaseConfig holds the storage paths.
type DatabaseConfig struct {
	Path       string `mapstructure:"path"`
	VectorPath string `mapstructure:"vector_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// HooksConfig holds ingestion filtering configuration.
type HooksConfig struct {
	// SkipToolsFile is the YAML file overriding the tool skip list.
	SkipToolsFile string `mapstructure:"skip_tools_file"`
}

// GetDataDir returns the mnemo data directory, creating it if needed.
// MNEMO_DATA_DIR overrides the default ~/.mnemo.
func GetDataDir() string {
	if dir := os.Getenv("MNEMO_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mnemo"
	}
	return filepath.Join(home, ".mnemo")
}

// LoadConfig loads configuration from flags, file, env and defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(GetDataDir())
		viper.AddConfigPath(".")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file %s: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.SetEnvPrefix("MNEMO")
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.DataDir = GetDataDir()

	// Non-fatal: keyring might not be available, secrets can come from
	// CLI or env instead.
	_ = loadSecretsFromKeyring(&config)

	return &config, nil
}

func setDefaults() {
	dataDir := GetDataDir()

	viper.SetDefault("server.port", server.DefaultPort)
	viper.SetDefault("server.host", "127.0.0.1")

	viper.SetDefault("generator.model", "claude-haiku-4-5")
	viper.SetDefault("generator.max_tokens", 8192)

	viper.SetDefault("embedding.provider", "ollama")
	viper.SetDefault("embedding.ollama_endpoint", "http://localhost:11434")
	viper.SetDefault("embedding.ollama_model", "embeddinggemma")
	viper.SetDefault("embedding.gemini_model", "gemini-embedding-001")

	viper.SetDefault("database.path", filepath.Join(dataDir, "mnemo.db"))
	viper.SetDefault("database.vector_path", filepath.Join(dataDir, "vectors.db"))

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("hooks.skip_tools_file", filepath.Join(dataDir, "skip_tools.yaml"))
}

// SecretMapping defines how to load a secret from keyring into the config.
type SecretMapping struct {
	KeyringKey string
	Setter     func(*Config, string)
	IsSet      func(*Config) bool
}

// GetSecretMappings returns all secret mappings for the application.
func GetSecretMappings() []SecretMapping {
	return []SecretMapping{
		{
			KeyringKey: "anthropic_api_key",
			Setter:     func(c *Config, val string) { c.Generator.AnthropicAPIKey = val },
			IsSet:      func(c *Config) bool { return c.Generator.AnthropicAPIKey != "" },
		},
		{
			KeyringKey: "gemini_api_key",
			Setter:     func(c *Config, val string) { c.Embedding.GeminiAPIKey = val },
			IsSet:      func(c *Config) bool { return c.Embedding.GeminiAPIKey != "" },
		},
	}
}

// loadSecretsFromKeyring fills secrets not already provided via CLI/env.
func loadSecretsFromKeyring(config *Config) error {
	for _, mapping := range GetSecretMappings() {
		if mapping.IsSet(config) {
			continue
		}
		value, err := GetSecretFromKeyring(mapping.KeyringKey)
		if err == nil && value != "" {
			mapping.Setter(config, value)
		}
	}
	return nil
}

// GetSecretFromKeyring retrieves a secret from the system keyring.
func GetSecretFromKeyring(key string) (string, error) {
	return keyring.Get(ServiceName, key)
}

// SaveSecretToKeyring saves a secret to the system keyring.
func SaveSecretToKeyring(key, value string) error {
	return keyring.Set(ServiceName, key, value)
}

// DeleteSecretFromKeyring removes a secret from the system keyring.
func DeleteSecretFromKeyring(key string) error {
	return keyring.Delete(ServiceName, key)
}

// ListAvailableSecretKeys returns all known keyring secret keys.
func ListAvailableSecretKeys() []string {
	mappings := GetSecretMappings()
	keys := make([]string, len(mappings))
	for i, mapping := range mappings {
		keys[i] = mapping.KeyringKey
	}
	return keys
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Generator.AnthropicAPIKey == "" {
		return fmt.Errorf("anthropic API key is required (set via --anthropic-key, MNEMO_GENERATOR_ANTHROPIC_API_KEY, or save to keyring with 'mnemod config set-key anthropic_api_key')")
	}
	switch c.Embedding.Provider {
	case "ollama":
		if c.Embedding.OllamaEndpoint == "" {
			return fmt.Errorf("ollama endpoint is required (set embedding.ollama_endpoint in config)")
		}
	case "gemini":
		if c.Embedding.GeminiAPIKey == "" {
			return fmt.Errorf("gemini API key is required (save to keyring with 'mnemod config set-key gemini_api_key')")
		}
	case "none", "":
	default:
		return fmt.Errorf("unsupported embedding provider: %s (must be ollama, gemini or none)", c.Embedding.Provider)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig() string {
	return `# mnemo server configuration
# Priority: CLI flags > config file > environment variables > defaults

server:
  port: 37777
  host: 127.0.0.1

generator:
  model: claude-haiku-4-5
  max_tokens: 8192
  # anthropic_api_key: set via keyring (mnemod config set-key anthropic_api_key)

embedding:
  # Provider options: ollama (local, default), gemini, none
  provider: ollama
  ollama_endpoint: http://localhost:11434
  ollama_model: embeddinggemma
  gemini_model: gemini-embedding-001
  # gemini_api_key: set via keyring (mnemod config set-key gemini_api_key)

database:
  path: ~/.mnemo/mnemo.db
  vector_path: ~/.mnemo/vectors.db

logging:
  level: info  # debug, info, warn, error
  format: text # text, json

hooks:
  # Tool names listed in this file are never observed. Hot-reloads on save.
  skip_tools_file: ~/.mnemo/skip_tools.yaml

# Note: secrets should NEVER be committed to config files.
# Use the keyring for secure storage:
#   mnemod config set-key anthropic_api_key
#   mnemod config set-key gemini_api_key
`
}
