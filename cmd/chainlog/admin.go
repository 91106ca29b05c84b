package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ctrlai/chainlog/internal/audit"
	"github.com/ctrlai/chainlog/internal/auth"
	"github.com/ctrlai/chainlog/internal/config"
	"github.com/ctrlai/chainlog/internal/replay"
)

// ============================================================================
// chainlog replay: Safe replay of a run
// ============================================================================

var replayMode string

var replayCmd = &cobra.Command{
	Use:   "replay <run_id>",
	Short: "Replay a run from the ledger without executing anything",
	Long: `Print the recorded events of a run in append order, together with a
verdict on the integrity of the run's part of its session chain.
Only the "safe" mode exists; it never runs tools or calls models.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, cfg *config.Config, l *audit.Ledger) error {
			res, err := replay.New(l, cfg.Replay.MaxEvents).SafeReplay(ctx, args[0], replayMode)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("run %s failed integrity checks", args[0])
			}
			return nil
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayMode, "mode", replay.ModeSafe, "Replay mode (only \"safe\" is supported)")
}

// ============================================================================
// chainlog token: Manage scoped API tokens
// ============================================================================

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
	Long: `API tokens are stored in tokens.yaml as SHA-256 hashes. Each token is
limited to sessions matching its glob patterns. A running server picks
up changes to tokens.yaml immediately.`,
}

func init() {
	tokenCmd.AddCommand(tokenAddCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}

// openTokens loads tokens.yaml from the configured location.
func openTokens() (*auth.TokenStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ts, err := auth.NewTokenStore(cfg.Auth.TokensFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	return ts, nil
}

var tokenSessions []string

var tokenAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Issue a new API token",
	Long: `Issue a token and print it once. It is not stored in plain text.

Examples:
  chainlog token add ci --sessions 'ci-*'
  chainlog token add console --sessions '*'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := openTokens()
		if err != nil {
			return err
		}
		token, err := ts.Issue(args[0], tokenSessions)
		if err != nil {
			return err
		}
		fmt.Printf("[chainlog] Token %q issued for sessions %s\n", args[0], strings.Join(tokenSessions, ", "))
		fmt.Println(token)
		fmt.Println("[chainlog] Store it now; it cannot be shown again.")
		return nil
	},
}

func init() {
	tokenAddCmd.Flags().StringSliceVar(&tokenSessions, "sessions", nil, "Session ID globs the token may access (required)")
	tokenAddCmd.MarkFlagRequired("sessions")
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := openTokens()
		if err != nil {
			return err
		}
		entries := ts.List()
		if len(entries) == 0 {
			fmt.Println("No API tokens. Create one with 'chainlog token add'.")
			return nil
		}
		fmt.Printf("  %-20s %-8s %-20s %s\n", "NAME", "STATUS", "CREATED", "SESSIONS")
		for _, e := range entries {
			status := "active"
			if e.Revoked {
				status = "revoked"
			}
			fmt.Printf("  %-20s %-8s %-20s %s\n",
				e.Name, status, e.CreatedAt.Format("2006-01-02 15:04:05"), strings.Join(e.Sessions, ", "))
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <name>",
	Short: "Revoke an API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := openTokens()
		if err != nil {
			return err
		}
		if err := ts.Revoke(args[0]); err != nil {
			return err
		}
		fmt.Printf("[chainlog] Token %q revoked\n", args[0])
		return nil
	},
}

// ============================================================================
// chainlog config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or show the configuration",
	Long: `The config file lives at ~/.chainlog/config.yaml and defines the
listen address, ledger storage, credentials and query limits.`,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[chainlog] Wrote %s\n", path)
		fmt.Printf("[chainlog] Set %s before running 'chainlog serve'.\n", config.EnvAdminToken)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config.yaml")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Print the configuration after defaults and environment overrides. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		masked := *cfg
		masked.Auth.AdminToken = mask(cfg.Auth.AdminToken)
		masked.Auth.JWTSecret = mask(cfg.Auth.JWTSecret)
		masked.Storage.DSN = mask(cfg.Storage.DSN)

		out, err := yaml.Marshal(&masked)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
