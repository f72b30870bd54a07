package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"deployq/internal/adapters/database"
	"deployq/internal/config"
	"deployq/internal/logging"
)

var rootFlags struct {
	databaseURL string
	verbose     bool
}

var downFlags struct {
	target int64
}

var logger zerolog.Logger

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the deployment store schema",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "info"
		if rootFlags.verbose {
			level = "debug"
		}
		logger = logging.New("deployq-migrate", level, true)
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := migrator()
		if err != nil {
			return err
		}
		defer closeDB()
		return m.Up(cmd.Context())
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration, or down to --target",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := migrator()
		if err != nil {
			return err
		}
		defer closeDB()
		return m.Down(cmd.Context(), downFlags.target)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := migrator()
		if err != nil {
			return err
		}
		defer closeDB()
		return m.Status(cmd.Context())
	},
}

func migrator() (*database.Migrator, func(), error) {
	dsn := rootFlags.databaseURL
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		dsn = cfg.Database.URL
	}
	db, err := database.NewPostgresConnection(dsn)
	if err != nil {
		return nil, nil, err
	}
	m, err := database.NewMigrator(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, func() { db.Close() }, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.databaseURL, "database-url", "", "Postgres DSN (defaults to DATABASE_URL or DB_* variables)")
	rootCmd.PersistentFlags().BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Enable verbose output")
	downCmd.Flags().Int64Var(&downFlags.target, "target", 0, "Roll back to this version instead of one step")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		os.Exit(1)
	}
}
