package cmd

import (
	"fmt"

	"github.com/signalix/stepup/internal/config"
	"github.com/signalix/stepup/internal/db"
	"github.com/signalix/stepup/internal/logging"
	"github.com/spf13/cobra"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending PostgreSQL migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.StoreDriver != config.StorePostgres {
			return fmt.Errorf("migrate requires STORE_DRIVER=%s, got %q", config.StorePostgres, cfg.StoreDriver)
		}
		logger, err := logging.New(cfg.DevMode)
		if err != nil {
			return err
		}
		defer logger.Sync()

		database, err := db.Open(cmd.Context(), cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		if migrateStatus {
			return db.MigrationStatus(database)
		}
		if err := db.Migrate(database); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "print migration status instead of applying")
	rootCmd.AddCommand(migrateCmd)
}
