package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		version, err := db.Version(ctx)
		if err != nil {
			return err
		}
		engine, err := db.Engine(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (sqlite %s, sqlite-vec %s)\n",
			cfg.Database.Path, version, engine.SQLite, engine.Vec)
		return nil
	},
}
