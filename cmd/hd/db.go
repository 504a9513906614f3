package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the helpdesk tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables on %s\n", len(db.AllModels()), cfg.Database.Driver)
			return nil
		},
	}
}
