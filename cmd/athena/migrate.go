package main

import (
	"github.com/spf13/cobra"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context(), loadedConfig.Database)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.L.Info("database up to date", "driver", loadedConfig.Database.Driver)
		return nil
	},
}
