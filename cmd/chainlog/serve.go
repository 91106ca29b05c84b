package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/chainlog/internal/api"
	"github.com/ctrlai/chainlog/internal/audit"
	"github.com/ctrlai/chainlog/internal/auth"
	"github.com/ctrlai/chainlog/internal/config"
	"github.com/ctrlai/chainlog/internal/feed"
	"github.com/ctrlai/chainlog/internal/query"
	"github.com/ctrlai/chainlog/internal/replay"
)

// ============================================================================
// chainlog serve: Start the HTTP API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chainlog HTTP API",
	Long: `Start the chainlog HTTP API in the foreground.

The server binds to the address in ~/.chainlog/config.yaml
(default: 127.0.0.1:3200, or CHAINLOG_ADDR). All /v1 routes need a
bearer credential: the admin token, a token from 'chainlog token add',
or a JWT signed with auth.jwt_secret.`,
	RunE: runServe,
}

// runServe wires the stack together:
//
//  1. Load config
//  2. Start the live feed hub (if enabled)
//  3. Open the ledger, publishing each commit to the hub
//  4. Load API tokens and watch tokens.yaml for changes
//  5. Serve until SIGINT/SIGTERM, then drain for up to 10 seconds
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The hub outlives the HTTP server so in-flight streams are closed
	// cleanly after Shutdown.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	var hub *feed.Hub
	var onAppend func(audit.Event)
	if cfg.Feed.Enabled {
		hub = feed.New(cfg.Feed.Buffer)
		go hub.Run(hubCtx)
		onAppend = hub.Publish
	}

	ledger, err := openLedger(ctx, cfg, onAppend)
	if err != nil {
		return err
	}
	defer ledger.Close()
	slog.Info("audit ledger initialized", "driver", cfg.Storage.Driver, "path", cfg.Storage.Path)

	tokens, err := auth.NewTokenStore(cfg.Auth.TokensFile)
	if err != nil {
		return fmt.Errorf("failed to load API tokens: %w", err)
	}
	authOpts := auth.Options{AdminToken: cfg.Auth.AdminToken, Tokens: tokens}
	if cfg.Auth.JWTSecret != "" {
		authOpts.JWTSecret = []byte(cfg.Auth.JWTSecret)
	}
	authn := auth.New(authOpts)
	if cfg.Auth.AdminToken == "" && cfg.Auth.JWTSecret == "" && len(tokens.List()) == 0 {
		slog.Warn("no API credentials configured; every /v1 request will be rejected",
			"hint", "set "+config.EnvAdminToken+" or run 'chainlog token add'")
	}

	tokensDir := filepath.Dir(cfg.Auth.TokensFile)
	if err := os.MkdirAll(tokensDir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", tokensDir, err)
	}
	watcher, err := config.NewWatcher(tokensDir, config.WatchTargets{
		TokensFile: filepath.Base(cfg.Auth.TokensFile),
		OnTokensChange: func() {
			if err := tokens.Reload(); err != nil {
				slog.Error("failed to reload API tokens", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start tokens watcher: %w", err)
	}
	defer watcher.Close()

	opts := api.Options{
		Ledger: ledger,
		Query: query.New(ledger, query.Options{
			DefaultLimit: cfg.Query.DefaultLimit,
			MaxLimit:     cfg.Query.MaxLimit,
			Timeout:      cfg.Query.Timeout(),
		}),
		Replay:      replay.New(ledger, cfg.Replay.MaxEvents),
		Auth:        authn,
		CORSOrigins: cfg.Server.CORSOrigins,
		Version:     version,
	}
	if hub != nil {
		opts.Stream = feed.NewStream(hub, cfg.Server.CORSOrigins)
	}

	addr := cfg.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           api.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("chainlog listening", "addr", "http://"+addr, "version", version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("stopped")
	return nil
}

// ============================================================================
// chainlog status: Check whether the API is running
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the chainlog API is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		addr := "http://" + cfg.Addr()
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(addr + "/healthz")
		if err != nil {
			fmt.Println("[chainlog] Status: NOT RUNNING")
			fmt.Printf("[chainlog] Expected at: %s\n", addr)
			return nil
		}
		defer resp.Body.Close()

		var health struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("unexpected health response: %w", err)
		}
		fmt.Printf("[chainlog] Status: RUNNING (%s)\n", health.Status)
		fmt.Printf("[chainlog] Listening on: %s\n", addr)
		fmt.Printf("[chainlog] Version: %s\n", health.Version)
		return nil
	},
}
