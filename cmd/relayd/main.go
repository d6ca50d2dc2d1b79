package main

import (
	"fmt"
	"os"

	relayconfig "github.com/relayai/core/internal/config"
	"github.com/spf13/cobra"
)

var (
	pgDSN      string
	redisAddr  string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Relay federation master daemon",
		Long:  "relayd is the master node of a federated AI routing deployment: it holds the node registry, decides where chat/search/action calls go, and answers them locally when nothing else should.",
	}

	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags/env override)")

	rootCmd.AddCommand(serveCmd(), tokenCmd())

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
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	cfg.Daemon.Role = "master"
	return cfg, nil
}
