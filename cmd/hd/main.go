package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/db"
	"gorm.io/gorm"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "helpdesk.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hd",
		Short:        "helpdesk: Discord help channels with experience scoring",
		Long:         "helpdesk reserves help channels and forum posts for askers and rewards the members who help them.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to helpdesk config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newDecayCmd())
	cmd.AddCommand(newAccountCmd())
	cmd.AddCommand(newSpaceCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hd %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadConfig reads the --config file and applies the configured log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(lvl)
	return nil
}

// openDB connects and migrates, so every command sees the current schema.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Database.Driver, err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.Close(gdb)
		return nil, err
	}
	return gdb, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
