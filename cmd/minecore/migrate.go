package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wattmine/minecore/internal/infrastructure/db"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	manager, err := db.NewManager(dbConfig(cfg))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer manager.Close()

	if err := manager.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("schema is up to date")
	return nil
}
