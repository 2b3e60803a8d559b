package main

import (
	"fmt"

	"github.com/spf13/cobra"

	dbstore "github.com/soaringjerry/Sensora/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		sqlDB, err := dbstore.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		applied, err := dbstore.RunMigrations(cmd.Context(), sqlDB, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}
		for _, name := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
		}
		log.Info("migrations applied", "count", len(applied), "path", cfg.SQLitePath)
		return nil
	},
}
