// Package main provides the CLI entry point for the finch confirmation
// service.
//
// Finch runs the pending-operation confirmation engine that chat-bot
// handlers use to hold sensitive actions for human approval: an operation is
// proposed with a hold time, confirmed, cancelled, or edited by a human, or
// resolved automatically by its default action when the hold elapses.
//
// # Basic Usage
//
// Start the service:
//
//	finch serve --config finch.yaml
//
// Validate a configuration file:
//
//	finch check-config --config finch.yaml
//
// # Environment Variables
//
//   - FINCH_CONFIG: Path to configuration file (default: finch.yaml)
//   - FINCH_ADMIN_TOKEN: Bearer token for the account-management API,
//     referenced from the config file as ${FINCH_ADMIN_TOKEN}
package main

import (
	"log/slog"
	"os"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
