package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pario-ai/pit/pkg/config"
)

var version = "dev"

// settings layers PIT_* environment variables and bound flags over the
// config file for the process-level keys.
var settings = viper.New()

func main() {
	root := &cobra.Command{
		Use:           "pit",
		Short:         "pit: metered multi-agent bouts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	settings.SetEnvPrefix("PIT")
	settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	settings.AutomaticEnv()

	root.PersistentFlags().StringP("config", "c", "", "path to pit config file")
	root.PersistentFlags().String("db", "", "sqlite database path (overrides db_path)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = settings.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = settings.BindPFlag("db_path", root.PersistentFlags().Lookup("db"))
	_ = settings.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newLedgerCmd(),
		newPoolsCmd(),
		newStatsCmd(),
		newAnomaliesCmd(),
		newCostCmd(),
		newPresetsCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(settings.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := settings.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v := settings.GetString("db_path"); v != "" {
		cfg.DBPath = v
	}
	if v := settings.GetString("log.level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
