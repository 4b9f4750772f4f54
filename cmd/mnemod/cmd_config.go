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
	"golang.org/x/term"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage mnemo configuration",
	Long:  `Manage configuration files and secrets for the mnemo server.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate example configuration file",
	Long:  `Generate an example mnemod.yaml configuration file in the data directory.`,
	Run:   runConfigInit,
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key [key-name]",
	Short: "Save API key to system keyring",
	Long: `Save an API key to the system keyring securely.

The key will be stored in your system's secure credential storage
(Keychain on macOS, Credential Manager on Windows, Secret Service on Linux).

Run 'mnemod config list-keys' to see available key names.`,
	Args: cobra.ExactArgs(1),
	Run:  runConfigSetKey,
}

var configGetKeyCmd = &cobra.Command{
	Use:   "get-key [key-name]",
	Short: "Retrieve API key from system keyring",
	Long:  `Retrieve an API key from the system keyring (for verification).`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigGetKey,
}

var configDeleteKeyCmd = &cobra.Command{
	Use:   "delete-key [key-name]",
	Short: "Delete API key from system keyring",
	Long:  `Remove an API key from the system keyring.`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigDeleteKey,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration (merged from all sources).`,
	Run:   runConfigShow,
}

var configListKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "List available secret keys",
	Long:  `List all available secret keys that can be stored in the keyring.`,
	Run:   runConfigListKeys,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configGetKeyCmd)
	configCmd.AddCommand(configDeleteKeyCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configListKeysCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) {
	configDir := GetDataDir()
	configPath := filepath.Join(configDir, DefaultConfigFileName+".yaml")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config directory: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config file already exists: %s\n", configPath)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := os.WriteFile(configPath, []byte(GenerateExampleConfig()), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Config file created: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Save your Anthropic API key:")
	fmt.Println("   mnemod config set-key anthropic_api_key")
	fmt.Println("2. Start the server:")
	fmt.Println("   mnemod serve")
}

func runConfigSetKey(_ *cobra.Command, args []string) {
	keyName := args[0]

	availableKeys := ListAvailableSecretKeys()
	validKeys := make(map[string]bool)
	for _, k := range availableKeys {
		validKeys[k] = true
	}
	if !validKeys[keyName] {
		fmt.Fprintf(os.Stderr, "Invalid key name: %s\n", keyName)
		fmt.Fprintf(os.Stderr, "Available keys:\n")
		for _, k := range availableKeys {
			fmt.Fprintf(os.Stderr, "  - %s\n", k)
		}
		os.Exit(1)
	}

	// Read secret from stdin (without echo)
	fmt.Printf("Enter %s (input hidden): ", keyName)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	secret := string(secretBytes)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Secret cannot be empty\n")
		os.Exit(1)
	}

	if err := SaveSecretToKeyring(keyName, secret); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving to keyring: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Saved %s to system keyring\n", keyName)
}

func runConfigGetKey(_ *cobra.Command, args []string) {
	keyName := args[0]

	secret, err := GetSecretFromKeyring(keyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving key: %v\n", err)
		fmt.Fprintf(os.Stderr, "Key not found in keyring. Set it with: mnemod config set-key %s\n", keyName)
		os.Exit(1)
	}
	fmt.Printf("%s: %s\n", keyName, maskSecret(secret))
}

func runConfigDeleteKey(_ *cobra.Command, args []string) {
	keyName := args[0]

	if err := DeleteSecretFromKeyring(keyName); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Deleted %s from system keyring\n", keyName)
}

func runConfigShow(_ *cobra.Command, _ []string) {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()

	fmt.Println("Server:")
	fmt.Printf("  Host: %s\n", config.Server.Host)
	fmt.Printf("  Port: %d\n", config.Server.Port)
	fmt.Println()

	fmt.Println("Generator:")
	fmt.Printf("  Model: %s\n", config.Generator.Model)
	fmt.Printf("  Max Tokens: %d\n", config.Generator.MaxTokens)
	if config.Generator.AnthropicAPIKey != "" {
		fmt.Printf("  API Key: %s\n", maskSecret(config.Generator.AnthropicAPIKey))
	} else {
		fmt.Printf("  API Key: (not set)\n")
	}
	fmt.Println()

	fmt.Println("Embedding:")
	fmt.Printf("  Provider: %s\n", config.Embedding.Provider)
	switch config.Embedding.Provider {
	case "ollama":
		fmt.Printf("  Endpoint: %s\n", config.Embedding.OllamaEndpoint)
		fmt.Printf("  Model: %s\n", config.Embedding.OllamaModel)
	case "gemini":
		fmt.Printf("  Model: %s\n", config.Embedding.GeminiModel)
		if config.Embedding.GeminiAPIKey != "" {
			fmt.Printf("  API Key: %s\n", maskSecret(config.Embedding.GeminiAPIKey))
		} else {
			fmt.Printf("  API Key: (not set)\n")
		}
	}
	fmt.Println()

	fmt.Println("Database:")
	fmt.Printf("  Path: %s\n", config.Database.Path)
	fmt.Printf("  Vector Path: %s\n", config.Database.VectorPath)
	fmt.Println()

	fmt.Println("Logging:")
	fmt.Printf("  Level: %s\n", config.Logging.Level)
	fmt.Printf("  Format: %s\n", config.Logging.Format)
}

func runConfigListKeys(_ *cobra.Command, _ []string) {
	keys := ListAvailableSecretKeys()
	fmt.Println("Available secret keys:")
	fmt.Println("======================")
	for _, key := range keys {
		fmt.Printf("  - %s\n", key)
	}
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mnemod config set-key <key-name>")
	fmt.Println("  mnemod config get-key <key-name>")
}

// maskSecret shows only the first and last four characters of a secret.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
