// Package main is the CLI entry point for chainlog, a tamper-evident audit
// ledger for agent sessions.
//
// Every event an agent platform records (session created, message received,
// tool invoked, run ended...) is appended to a per-session hash chain.
// Each event's hash covers the previous hash plus the canonical encoding of
// the event, so editing, deleting or reordering any stored event is
// detectable. Runs can be replayed from the ledger without executing
// anything.
//
// CLI commands (cobra):
//
//	chainlog serve          - Start the HTTP API
//	chainlog status         - Check whether the API is running
//	chainlog audit          - Query, verify, export, tail and append events
//	chainlog replay         - Safe replay of a run
//	chainlog token          - Manage scoped API tokens
//	chainlog config         - Create or show the configuration
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ctrlai/chainlog/internal/audit"
	"github.com/ctrlai/chainlog/internal/config"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.chainlog/, which holds config.yaml,
// tokens.yaml and, with the default sqlite driver, ledger.db.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainlog"
	}
	return filepath.Join(home, ".chainlog")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// Global flags.
var (
	configDir string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "chainlog",
	Short: "chainlog: tamper-evident audit ledger for agent sessions",
	Long: `chainlog records agent session events in per-session hash chains,
verifies their integrity, and replays runs from the recorded events
without executing any tools.

Run 'chainlog config init' to create a configuration, then
'chainlog serve' to start the API.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel, logFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to chainlog config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs the default slog handler. Logs go to stderr so
// command output on stdout stays machine readable.
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q (use text or json)", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// loadConfig reads config.yaml from the config directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openLedger opens the configured store and wraps it in a ledger.
// onAppend may be nil.
func openLedger(ctx context.Context, cfg *config.Config, onAppend func(audit.Event)) (*audit.Ledger, error) {
	store, err := audit.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	l, err := audit.New(audit.Options{Store: store, OnAppend: onAppend})
	if err != nil {
		store.Close()
		return nil, err
	}
	return l, nil
}
