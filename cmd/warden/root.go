package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/internal/config"
)

var (
	version = "0.1.0"

	configPath  string
	debug       bool
	storeDriver string
	storePath   string
	storeDSN    string

	// cfg is loaded before any subcommand runs
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "warden",
		Short: "Security posture scan engine",
		Long: `Warden - Security Posture Scan Engine

Warden runs compliance checks against cloud accounts and turns the
results into durable findings, resources and compliance requirement
status, tracking how every finding changes from one scan to the next.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Warden {{.Version}} - Security Posture Scan Engine
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVar(&storeDriver, "store", "", "Store driver: bolt or postgres (overrides config)")
	flags.StringVar(&storePath, "data-dir", "", "bbolt data directory (overrides config)")
	flags.StringVar(&storeDSN, "dsn", "", "Postgres DSN (overrides config)")
}

// setup loads configuration and configures logging.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}

// loadConfig reads path, or the defaults when path is empty, and applies
// flag overrides.
func loadConfig(path string) (*config.Config, error) {
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if storeDriver != "" {
		c.Store.Driver = storeDriver
	}
	if storePath != "" {
		c.Store.Path = storePath
	}
	if storeDSN != "" {
		c.Store.DSN = storeDSN
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
