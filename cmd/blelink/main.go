package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nightowl-health/blelink/internal/config"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blelink",
		Short: "Discover, connect to and provision NightOwl devices over BLE",
		Long: `blelink finds nearby devices with a power-saving scan, connects to one,
reads its device information and writes Wi-Fi credentials to its
provisioning service.

Linux needs BlueZ and access to the system D-Bus.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default: ~/.config/blelink/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newScanCmd(),
		newInfoCmd(),
		newProvisionCmd(),
		newNetworksCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates the config, then installs the logger at
// the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

// readConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func readConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	return config.Default(), nil
}
