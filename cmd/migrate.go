package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-chat/loom/db"
	"github.com/loom-chat/loom/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return db.Migrate(cfg.PostgresURL(), newLogger())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
