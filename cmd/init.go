package cmd

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/rnnodes/convoybot/convoybot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the audit database and flat-file stores",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.Database == "" {
			log.Fatal("database path not set (must be a sqlite file path)")
		}

		db, err := convoybot.CreateDB(
			ctx,
			cfg.Database,
			slog.Default().Handler(),
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		created, err := convoybot.BootstrapFiles(cfg.Files)
		if err != nil {
			log.Fatalf("Error creating store files: %v", err)
		}

		out := cmd.OutOrStdout()
		for _, path := range created {
			fmt.Fprintf(out, "created %s\n", path)
		}
		fmt.Fprintln(
			out,
			"Initialization complete. Add IP addresses to the pool file, "+
				"then start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
