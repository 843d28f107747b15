// Package cli implements the lantern command line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lantern-network/lantern/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lantern",
	Short: "Credit ledger and revenue distribution engine",
	Long: `Lantern tracks prepaid credit in micro-USD, splits finalized charges
into basis-point revenue shares, and pays creators and referrers out after
the settlement hold. All amounts are exact integers; the ledger is
append-only and conservation-checked.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: $LANTERN_HOME/config.toml)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configured (or default) config file.
func loadConfig() (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return daemon.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the process logger.
func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// openDaemon builds the full daemon from config, for commands that need the
// wired services rather than just the database.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d, err := daemon.New(cfg, newLogger())
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return d, nil
}
