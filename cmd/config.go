package main

import (
	"fmt"

	"github.com/eduhire/agent/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  "View and update eduhire agent configuration settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long:  "Display the current effective configuration including environment variable overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cmd.Printf("Server:\n")
		cmd.Printf("  URL: %s\n", cfg.Server.URL)
		cmd.Printf("  Timeout: %s\n", cfg.Server.Timeout.Std())
		if cfg.IsInsecure() {
			cmd.Printf("  Warning: credentials are sent without TLS\n")
		}
		cmd.Printf("\n")
		cmd.Printf("Storage:\n")
		cmd.Printf("  Backend: %s\n", cfg.Storage.Backend)
		cmd.Printf("  Directory: %s\n", cfg.Storage.Directory)
		cmd.Printf("\n")
		cmd.Printf("Session:\n")
		cmd.Printf("  Refresh threshold: %s\n", cfg.Session.RefreshThreshold.Std())
		cmd.Printf("\n")
		cmd.Printf("Logging:\n")
		cmd.Printf("  Level: %s\n", cfg.Logging.Level)
		cmd.Printf("  Format: %s\n", cfg.Logging.Format)

		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Update configuration value",
	Long:              "Update a configuration value in the config file. Example: eduhire config set server.url https://api.eduhire.example",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: configKeyCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := args[1]

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := cfg.Set(key, value); err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		cmd.Printf("Updated %s to: %s\n", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// configKeyCompletion provides tab completion for config keys
func configKeyCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) >= 1 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return config.Keys(), cobra.ShellCompDirectiveNoFileComp
}
