package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/scout/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the scout database schema.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Connect to the configured database and apply every pending migration.

The database connection can be configured via:
- Config file (scout.yaml)
- Flags (--db-driver, --db-dsn)
- Environment variables (SCOUT_DATABASE_DRIVER, SCOUT_DATABASE_DSN, DATABASE_URL)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Infow("Starting database migration", "component", "db_migrate", "driver", cfg.Database.Driver)
		// Opening the store migrates it.
		return printSchemaStatus()
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printSchemaStatus()
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
}

type schemaVersioner interface {
	SchemaVersion(ctx context.Context) (current, latest int, err error)
}

func printSchemaStatus() error {
	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	sv, ok := store.(schemaVersioner)
	if !ok {
		return fmt.Errorf("store does not expose a schema version")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	current, latest, err := sv.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	fmt.Println("Database Migration Status")
	fmt.Println("=========================")
	fmt.Printf("Driver:           %s\n", cfg.Database.Driver)
	fmt.Printf("Current Version:  %d\n", current)
	fmt.Printf("Latest Version:   %d\n", latest)
	if current == latest {
		color.Green("\nStatus: Database is up to date")
	} else {
		color.Yellow("\nStatus: %d migrations pending, run 'scout db migrate'", latest-current)
	}
	return nil
}
