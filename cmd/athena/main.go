package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/config"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "athena",
	Short:   "Athena conversational session server",
	Version: version,
	// Loaded once per invocation; subcommands read it from loadedConfig.
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load .env: %w", err)
		}
		if configPath != "" {
			os.Setenv("CONFIG_PATH", configPath)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		loadedConfig = cfg
		return nil
	},
	SilenceUsage: true,
}

var loadedConfig *config.Config

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd, migrateCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
