package main

import (
	"fmt"
	"os"

	"github.com/eduhire/agent/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	Long:  "Create the configuration file and directory for the eduhire agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		configDir := config.GetConfigDir()
		configPath := config.GetConfigPath()

		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration already exists at %s\n\nTo reconfigure, either:\n  1. Edit the file directly, or\n  2. Delete it and run 'eduhire init' again, or\n  3. Use 'eduhire config set <key> <value>' to update specific values", configPath)
		}

		// Credentials may land in this directory, keep it private.
		if err := os.MkdirAll(configDir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		cfg := config.Default()
		if serverFlag != "" {
			cfg.Server.URL = serverFlag
		}
		if storageFlag != "" {
			cfg.Storage.Backend = storageFlag
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		cmd.Printf("Configuration initialized at %s\n", configDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
