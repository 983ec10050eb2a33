// Package main provides a CLI for interacting with the flowcraft server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL   string
	token       string
	workspaceID string
	configPath  string
)

// Config represents the CLI configuration
type Config struct {
	ServerURL   string `json:"server_url"`
	Token       string `json:"token"`
	WorkspaceID string `json:"workspace_id"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowcraft-cli",
		Short: "Flowcraft CLI",
		Long:  "Command-line interface for managing and running flowcraft flows",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadConfig()
			if serverURL == "" {
				serverURL = "http://localhost:8080"
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "API token")
	rootCmd.PersistentFlags().StringVar(&workspaceID, "workspace", "", "Workspace ID")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(
		newLoginCmd(),
		newFlowCmd(),
		newRunCmd(),
		newCredentialCmd(),
		newWebhookCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if configPath != "" {
		return configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".flowcraft", "cli-config.json")
}

// loadConfig fills flags that were not given from the config file
func loadConfig() {
	path := defaultConfigPath()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: Failed to read config file: %v\n", err)
		}
		return
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse config file: %v\n", err)
		return
	}

	if serverURL == "" {
		serverURL = config.ServerURL
	}
	if token == "" {
		token = config.Token
	}
	if workspaceID == "" {
		workspaceID = config.WorkspaceID
	}
}

// saveConfig saves the CLI configuration
func saveConfig(config Config) error {
	path := defaultConfigPath()
	if path == "" {
		return fmt.Errorf("no config path available")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newClient() *Client {
	return NewClient(serverURL, token, workspaceID)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
