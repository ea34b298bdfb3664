// commands.go contains the cobra command definitions. Each builder creates a
// command and wires it to its handler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "finch",
		Short:        "Finch - confirmation engine for sensitive bot actions",
		Long:         "Finch holds sensitive chat-bot actions for human approval, with per-user limits,\nauto-resolution on timeout, and crash-safe recovery of in-flight confirmations.",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckConfigCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the confirmation service",
		Long: `Start the confirmation service.

The service will:
1. Load configuration from the specified file (or finch.yaml)
2. Open the operations database and recover in-flight confirmations
3. Register business executors and UI notifiers
4. Start the expiry timers, countdown ticker, and janitor
5. Serve Prometheus metrics over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  finch serve

  # Start with custom config and debug logging
  finch serve --config /etc/finch/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func buildCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("FINCH_CONFIG"); env != "" {
		return env
	}
	return "finch.yaml"
}
