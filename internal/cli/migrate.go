package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaysms/gateway/internal/config"
	"github.com/relaysms/gateway/internal/logging"
	"github.com/relaysms/gateway/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Connects to the configured database and idempotently creates every
table and index the gateway needs. Safe to run repeatedly (CREATE TABLE IF
NOT EXISTS); there is no versioned migration history to manage.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging)
	ctx := context.Background()

	pool, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := postgres.Bootstrap(ctx, pool); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("schema applied")
	return nil
}
