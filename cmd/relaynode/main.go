package main

import (
	"fmt"
	"os"

	relayconfig "github.com/relayai/core/internal/config"
	"github.com/spf13/cobra"
)

var (
	pgDSN      string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaynode",
		Short: "Relay federation child node",
		Long:  "relaynode is a child node of a federated AI routing deployment: it owns a set of collections and autonomous collectors, answers chat/search/action calls against them, and registers itself with the master's node directory.",
	}

	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN (shared federation node directory)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags/env override)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*relayconfig.Config, error) {
	var cfg *relayconfig.Config
	if configFile != "" {
		var err error
		cfg, err = relayconfig.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = relayconfig.DefaultConfig()
	}
	relayconfig.LoadFromEnv(cfg)

	if pgDSN != "" {
		cfg.Postgres.DSN = pgDSN
	}
	cfg.Daemon.Role = "child"
	return cfg, nil
}
