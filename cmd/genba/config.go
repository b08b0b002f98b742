package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/genba/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

//go:embed templates/config.yaml
var embeddedDefaultConfig []byte

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the Genba configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Dump fully resolved configuration",
	Long:  `Display current configuration with all defaults applied and environment variables resolved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config is not initialized; run 'genba config init' first")
		}

		redacted := redactConfigSecrets(cfg)

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(redacted); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize default configuration",
	Long:  `Create a default configuration file at $HOME/.genba/config.yaml if it doesn't exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		configDir := filepath.Join(home, ".genba")
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}

		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Config already exists at %s\n", configPath)
			fmt.Println("Use 'genba config view' to see current configuration.")
			fmt.Println("To reinitialize, remove the existing config file first.")
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to check config file: %w", err)
		}

		defaultConfig := strings.TrimSpace(string(embeddedDefaultConfig)) + "\n"
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config to %s: %w", configPath, err)
		}

		fmt.Printf("✓ Initialized config at %s\n", configPath)
		fmt.Println("\nNext steps:")
		fmt.Println("1. Set ANTHROPIC_API_KEY or OPENAI_API_KEY environment variable")
		fmt.Println("2. Point remote.root_path at the tree Genba should edit")
		fmt.Println("3. Run 'genba config view' to verify your configuration")
		return nil
	},
}

func redactConfigSecrets(src *config.Config) *config.Config {
	clone := *src

	clone.Models.Registry = make([]config.ModelRegistry, len(src.Models.Registry))
	copy(clone.Models.Registry, src.Models.Registry)
	for i := range clone.Models.Registry {
		if clone.Models.Registry[i].APIKey != "" {
			clone.Models.Registry[i].APIKey = "[REDACTED]"
		}
	}

	if clone.Adapters.Telegram.BotToken != "" {
		clone.Adapters.Telegram.BotToken = "[REDACTED]"
	}
	if clone.Notify.SlackWebhookURL != "" {
		clone.Notify.SlackWebhookURL = "[REDACTED]"
	}
	return &clone
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configInitCmd)
}
