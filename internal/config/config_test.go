package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv keeps the developer's environment out of the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAdminToken, EnvJWTSecret, EnvPostgresDSN, EnvAddr} {
		t.Setenv(k, "")
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3200 {
		t.Errorf("default port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default driver: expected sqlite, got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path != filepath.Join(dir, "ledger.db") {
		t.Errorf("default path should resolve against the config dir, got %q", cfg.Storage.Path)
	}
	if cfg.Auth.TokensFile != filepath.Join(dir, "tokens.yaml") {
		t.Errorf("default tokens file should resolve against the config dir, got %q", cfg.Auth.TokensFile)
	}
	if cfg.Query.DefaultLimit != 500 || cfg.Query.MaxLimit != 1000 {
		t.Errorf("default limits: expected 500/1000, got %d/%d", cfg.Query.DefaultLimit, cfg.Query.MaxLimit)
	}
	if cfg.Query.Timeout() != 5*time.Second {
		t.Errorf("default timeout: expected 5s, got %v", cfg.Query.Timeout())
	}
	if cfg.Replay.MaxEvents != 10000 {
		t.Errorf("default max_events: expected 10000, got %d", cfg.Replay.MaxEvents)
	}
	if !cfg.Feed.Enabled || cfg.Feed.Buffer != 64 {
		t.Errorf("default feed: expected enabled with buffer 64, got %+v", cfg.Feed)
	}
	if cfg.Auth.AdminToken != "" || cfg.Auth.JWTSecret != "" {
		t.Error("no credentials should be configured by default")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
  cors_origins: ["https://console.example"]
storage:
  driver: postgres
  dsn: "postgres://ledger@db/ledger"
auth:
  admin_token: "from-file"
  tokens_file: "/etc/chainlog/tokens.yaml"
query:
  default_limit: 50
  max_limit: 200
  timeout_ms: 1500
feed:
  enabled: false
  buffer: 8
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr: expected 0.0.0.0:9090, got %q", cfg.Addr())
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://console.example" {
		t.Errorf("cors_origins: got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://ledger@db/ledger" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Auth.TokensFile != "/etc/chainlog/tokens.yaml" {
		t.Errorf("absolute tokens_file should be kept, got %q", cfg.Auth.TokensFile)
	}
	if cfg.Auth.AdminToken != "from-file" {
		t.Errorf("admin_token: got %q", cfg.Auth.AdminToken)
	}
	if cfg.Query.DefaultLimit != 50 || cfg.Query.MaxLimit != 200 || cfg.Query.Timeout() != 1500*time.Millisecond {
		t.Errorf("query: got %+v", cfg.Query)
	}
	if cfg.Feed.Enabled || cfg.Feed.Buffer != 8 {
		t.Errorf("feed: got %+v", cfg.Feed)
	}
	// Untouched sections keep defaults.
	if cfg.Replay.MaxEvents != 10000 {
		t.Errorf("replay default lost: %d", cfg.Replay.MaxEvents)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("auth:\n  admin_token: from-file\nstorage:\n  driver: postgres\n"), 0o644)

	t.Setenv(EnvAdminToken, "from-env")
	t.Setenv(EnvJWTSecret, "jwt-env")
	t.Setenv(EnvPostgresDSN, "postgres://env")
	t.Setenv(EnvAddr, ":8080")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.AdminToken != "from-env" {
		t.Errorf("admin token: expected env to win, got %q", cfg.Auth.AdminToken)
	}
	if cfg.Auth.JWTSecret != "jwt-env" {
		t.Errorf("jwt secret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Storage.DSN != "postgres://env" {
		t.Errorf("dsn: got %q", cfg.Storage.DSN)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Errorf("addr: expected host kept and port from env, got %q", cfg.Addr())
	}

	t.Setenv(EnvAddr, "nonsense")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed CHAINLOG_ADDR")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	// Port overridden.
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	// Host should retain default.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
}

func TestValidate(t *testing.T) {
	modified := func(fn func(c *Config)) Config {
		c := applyDefaults()
		fn(c)
		return *c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", *applyDefaults(), false},
		{"memory driver", modified(func(c *Config) { c.Storage.Driver = "memory" }), false},
		{"empty host", modified(func(c *Config) { c.Server.Host = "" }), true},
		{"port 0", modified(func(c *Config) { c.Server.Port = 0 }), true},
		{"port 65536", modified(func(c *Config) { c.Server.Port = 65536 }), true},
		{"unknown driver", modified(func(c *Config) { c.Storage.Driver = "mysql" }), true},
		{"sqlite without path", modified(func(c *Config) { c.Storage.Path = "" }), true},
		{"postgres without dsn", modified(func(c *Config) { c.Storage.Driver = "postgres" }), true},
		{"default above max", modified(func(c *Config) { c.Query.DefaultLimit = 2000 }), true},
		{"zero max", modified(func(c *Config) { c.Query.MaxLimit = 0 }), true},
		{"zero timeout", modified(func(c *Config) { c.Query.TimeoutMs = 0 }), true},
		{"zero max events", modified(func(c *Config) { c.Replay.MaxEvents = 0 }), true},
		{"zero feed buffer", modified(func(c *Config) { c.Feed.Buffer = 0 }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join(t.TempDir(), "fresh")
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	// Verify file was created.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	// Load it back and verify defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 3200 {
		t.Errorf("roundtrip port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Path != filepath.Join(dir, "ledger.db") {
		t.Errorf("roundtrip path: got %q", cfg.Storage.Path)
	}
}

func TestWatcher_TokensChange(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 4)

	w, err := NewWatcher(dir, WatchTargets{
		TokensFile:     "tokens.yaml",
		OnTokensChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// Unrelated files are ignored.
	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644)
	if err := os.WriteFile(filepath.Join(dir, "tokens.yaml"), []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("OnTokensChange did not fire")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
