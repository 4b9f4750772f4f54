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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/mnemo/internal/version"
	"github.com/teradata-labs/mnemo/pkg/server"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "mnemod",
	Short:   "Mnemo - persistent memory server for AI coding agents",
	Long:    `Mnemo (mnemod) observes coding-agent sessions, distills tool activity into searchable observations and summaries via a background LLM, and serves them back as project context over HTTP.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $MNEMO_DATA_DIR/mnemod.yaml)")

	// Server flags
	rootCmd.PersistentFlags().Int("port", server.DefaultPort, "HTTP server port")
	rootCmd.PersistentFlags().String("host", "127.0.0.1", "HTTP server host")

	// Generator flags
	rootCmd.PersistentFlags().String("anthropic-key", "", "Anthropic API key (or use keyring/env)")
	rootCmd.PersistentFlags().String("model", "claude-haiku-4-5", "generator model")
	rootCmd.PersistentFlags().Int("max-tokens", 8192, "maximum tokens per generator turn")

	// Embedding flags
	rootCmd.PersistentFlags().String("embedding-provider", "ollama", "embedding provider (ollama, gemini, none)")

	// Database flags
	// GetDataDir respects the MNEMO_DATA_DIR environment variable
	defaultDBPath := filepath.Join(GetDataDir(), "mnemo.db")
	rootCmd.PersistentFlags().String("db", defaultDBPath, "SQLite database path")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("server.host", rootCmd.PersistentFlags().Lookup("host"))

	_ = viper.BindPFlag("generator.anthropic_api_key", rootCmd.PersistentFlags().Lookup("anthropic-key"))
	_ = viper.BindPFlag("generator.model", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("generator.max_tokens", rootCmd.PersistentFlags().Lookup("max-tokens"))

	_ = viper.BindPFlag("embedding.provider", rootCmd.PersistentFlags().Lookup("embedding-provider"))

	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
