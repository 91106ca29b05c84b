// Package config handles loading, validating, and writing the chainlog
// configuration from ~/.chainlog/config.yaml.
//
// The config defines:
//   - Server bind address and allowed browser origins
//   - Ledger storage (sqlite file, postgres DSN, or in-memory)
//   - API credentials (admin token, tokens file, JWT secret)
//   - Query, replay and live feed limits
//
// Secrets may also come from the environment, which wins over the file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvAdminToken  = "CHAINLOG_ADMIN_TOKEN"
	EnvJWTSecret   = "CHAINLOG_JWT_SECRET"
	EnvPostgresDSN = "CHAINLOG_POSTGRES_DSN"
	EnvAddr        = "CHAINLOG_ADDR"
)

// Config is the top-level chainlog configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Query   QueryConfig   `yaml:"query"`
	Replay  ReplayConfig  `yaml:"replay"`
	Feed    FeedConfig    `yaml:"feed"`
}

// ServerConfig defines where the API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig selects the ledger driver.
//
// Driver is one of "sqlite" (default), "postgres" or "memory". Path is the
// SQLite file; a relative path is resolved against the config directory.
// DSN is the Postgres connection string.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig holds API credentials. Leave AdminToken and JWTSecret empty
// in the file and set them through the environment in production.
type AuthConfig struct {
	AdminToken string `yaml:"admin_token"`
	TokensFile string `yaml:"tokens_file"`
	JWTSecret  string `yaml:"jwt_secret"`
}

// QueryConfig bounds audit queries.
type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	TimeoutMs    int `yaml:"timeout_ms"`
}

// Timeout returns TimeoutMs as a duration.
func (q QueryConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutMs) * time.Millisecond
}

// ReplayConfig bounds replays.
type ReplayConfig struct {
	MaxEvents int `yaml:"max_events"`
}

// FeedConfig controls the websocket audit stream.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
	Buffer  int  `yaml:"buffer"`
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Load reads and parses config.yaml from the given path, then applies
// environment overrides and resolves relative paths against the file's
// directory. If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(path)
	cfg.Storage.Path = resolve(dir, cfg.Storage.Path)
	cfg.Auth.TokensFile = resolve(dir, cfg.Auth.TokensFile)
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `chainlog config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# chainlog configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#   cors_origins: Browser origins allowed to call the API
#
# storage:
#   driver: sqlite | postgres | memory
#   path: SQLite file, relative to this directory
#   dsn: Postgres connection string (or set CHAINLOG_POSTGRES_DSN)
#
# auth:
#   admin_token: Full-access bearer token (prefer CHAINLOG_ADMIN_TOKEN)
#   tokens_file: Scoped API tokens, managed with "chainlog token"
#   jwt_secret: HS256 secret for JWT bearer tokens (prefer CHAINLOG_JWT_SECRET)
#
# query / replay / feed: limits for reads and the live audit stream

`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        3200,
			CORSOrigins: []string{"http://localhost:5173"},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "ledger.db",
		},
		Auth: AuthConfig{
			TokensFile: "tokens.yaml",
		},
		Query: QueryConfig{
			DefaultLimit: 500,
			MaxLimit:     1000,
			TimeoutMs:    5000,
		},
		Replay: ReplayConfig{
			MaxEvents: 10000,
		},
		Feed: FeedConfig{
			Enabled: true,
			Buffer:  64,
		},
	}
}

// applyEnv lets the environment override secrets and the listen address.
func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvAdminToken); v != "" {
		cfg.Auth.AdminToken = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvAddr, v, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s=%q: invalid port", EnvAddr, v)
		}
		if host != "" {
			cfg.Server.Host = host
		}
		cfg.Server.Port = p
	}
	return nil
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn (or %s) is required for the postgres driver", EnvPostgresDSN)
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q must be sqlite, postgres, or memory", cfg.Storage.Driver)
	}

	if cfg.Query.MaxLimit < 1 {
		return fmt.Errorf("query.max_limit must be positive")
	}
	if cfg.Query.DefaultLimit < 1 || cfg.Query.DefaultLimit > cfg.Query.MaxLimit {
		return fmt.Errorf("query.default_limit must be between 1 and query.max_limit")
	}
	if cfg.Query.TimeoutMs < 1 {
		return fmt.Errorf("query.timeout_ms must be positive")
	}
	if cfg.Replay.MaxEvents < 1 {
		return fmt.Errorf("replay.max_events must be positive")
	}
	if cfg.Feed.Buffer < 1 {
		return fmt.Errorf("feed.buffer must be positive")
	}

	return nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
