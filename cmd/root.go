// Package cmd provides the loom CLI.
//
// Commands:
//   - serve: run the relay server (WebSocket endpoint plus health probes)
//   - chat: interactive terminal client against a running relay
//   - migrate: apply database schema migrations
//   - version: show build information
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-chat/loom/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - streaming AI chat relay",
	Long: `loom relays chat turns between browser clients and AI models,
streaming text, tool calls, and artifact sub-streams over WebSocket
while recording durable transcripts in PostgreSQL.

Run 'loom serve' to start the relay, 'loom chat' to talk to one.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger. DEBUG in the environment raises the
// level; LOG_JSON switches to JSON records for log shippers.
func newLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	if os.Getenv("LOG_JSON") != "" {
		cfg.JSON = true
	}
	return log.New(cfg)
}
