package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpattn/devprov/internal/config"
	"github.com/rpattn/devprov/internal/db"
	"github.com/rpattn/devprov/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Log.Level)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		conn, err := db.NewConnection(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(conn.Pool); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("migrations applied", zap.String("database", cfg.Database.DBName))
		return nil
	},
}
