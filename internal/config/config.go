// Package config defines the exchange's configuration: built-in defaults,
// a TOML file on top, then PITCH_* environment overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Wallet    WalletConfig    `toml:"wallet"`
	Clearnode ClearnodeConfig `toml:"clearnode"`
	Market    MarketConfig    `toml:"market"`
	Oracle    OracleConfig    `toml:"oracle"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// ServerConfig holds HTTP server parameters. APIKey guards the oracle and
// admin routes; bettor routes stay open.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RequestsPerSec  int      `toml:"requests_per_sec"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// StorageConfig selects the ledger backend: "sqlite" or "postgres".
type StorageConfig struct {
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the embedded database path. ":memory:" keeps nothing.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig enables the odds cache, event mirror, bet limiter and
// settlement lock.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	OddsTTL      duration `toml:"odds_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config enables settlement archive uploads.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// WalletConfig is the market maker's persistent identity.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// AllowanceConfig is one asset cap granted to the session key.
type AllowanceConfig struct {
	Asset  string `toml:"asset"`
	Amount string `toml:"amount"`
}

// ClearnodeConfig configures the state-channel client.
type ClearnodeConfig struct {
	Enabled        bool              `toml:"enabled"`
	URL            string            `toml:"url"`
	Application    string            `toml:"application"`
	Scope          string            `toml:"scope"`
	Asset          string            `toml:"asset"`
	Allowances     []AllowanceConfig `toml:"allowances"`
	SessionTTL     duration          `toml:"session_ttl"`
	RequestTimeout duration          `toml:"request_timeout"`
	ConnectTimeout duration          `toml:"connect_timeout"`
	PingInterval   duration          `toml:"ping_interval"`
	ReuseSession   bool              `toml:"reuse_session"`
	AuthInterval   duration          `toml:"auth_interval"`
	BalanceRefresh duration          `toml:"balance_refresh"`
}

// CategoryConfig fixes the outcomes and liquidity of one market category.
type CategoryConfig struct {
	Outcomes []string `toml:"outcomes"`
	B        float64  `toml:"b"`
}

// MarketConfig holds market defaults and bet policy.
type MarketConfig struct {
	DefaultB          float64                   `toml:"default_b"`
	DefaultOutcomes   []string                  `toml:"default_outcomes"`
	DefaultGameID     string                    `toml:"default_game_id"`
	DefaultCategory   string                    `toml:"default_category"`
	Categories        map[string]CategoryConfig `toml:"categories"`
	MinBet            float64                   `toml:"min_bet"`
	MaxBet            float64                   `toml:"max_bet"`
	BetRateLimit      int                       `toml:"bet_rate_limit"`
	BetRateWindow     duration                  `toml:"bet_rate_window"`
	SettlementLockTTL duration                  `toml:"settlement_lock_ttl"`
}

// OracleConfig holds the auto-play cycle used by demo mode and by
// POST /api/oracle/autoplay when the request leaves a delay out.
type OracleConfig struct {
	OpenDelay    duration `toml:"open_delay"`
	CloseDelay   duration `toml:"close_delay"`
	ResolveDelay duration `toml:"resolve_delay"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig exposes Prometheus collectors on the HTTP server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// duration lets TOML carry durations as strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a self-contained exchange on
// an on-disk SQLite ledger with every external service off.
func Defaults() Config {
	return Config{
		Mode:     "server",
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RequestsPerSec:  20,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Storage: StorageConfig{Driver: "sqlite"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pitchmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "pitchmarket.db"},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "pitch",
			OddsTTL:      duration{time.Hour},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pitchmarket",
			Prefix:         "settlements",
			ForcePathStyle: true,
		},
		Clearnode: ClearnodeConfig{
			URL:            "wss://clearnet-sandbox.yellow.com/ws",
			Application:    "pitchmarket",
			Scope:          "app",
			Asset:          "usdc",
			SessionTTL:     duration{24 * time.Hour},
			RequestTimeout: duration{10 * time.Second},
			ConnectTimeout: duration{30 * time.Second},
			PingInterval:   duration{30 * time.Second},
			ReuseSession:   true,
			AuthInterval:   duration{time.Second},
			BalanceRefresh: duration{time.Minute},
		},
		Market: MarketConfig{
			DefaultB:          100,
			DefaultOutcomes:   []string{"BALL", "STRIKE"},
			DefaultGameID:     "game-1",
			MinBet:            0.01,
			MaxBet:            1000,
			BetRateLimit:      5,
			BetRateWindow:     duration{time.Second},
			SettlementLockTTL: duration{30 * time.Second},
		},
		Oracle: OracleConfig{
			OpenDelay:    duration{3 * time.Second},
			CloseDelay:   duration{15 * time.Second},
			ResolveDelay: duration{3 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"payout_failed", "settlement_failed", "market_resolved"},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

var validModes = map[string]bool{
	"server": true,
	"demo":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: server, demo)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			add("sqlite: path must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		add("storage: unknown driver %q (valid: sqlite, postgres)", c.Storage.Driver)
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	if c.Clearnode.Enabled {
		if c.Clearnode.URL == "" {
			add("clearnode: url must not be empty")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			add("wallet: private_key or encrypted_key_path is required when clearnode is enabled")
		}
		if c.Clearnode.SessionTTL.Duration <= 0 {
			add("clearnode: session_ttl must be positive")
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		add("wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.PrivateKey != "" && !isHexKey(c.Wallet.PrivateKey) {
		add("wallet: private_key must be 32 hex-encoded bytes")
	}

	errs = append(errs, c.Market.validate()...)
	return joinErrs(errs)
}

func (m *MarketConfig) validate() []string {
	var errs []string
	if m.DefaultB <= 0 {
		errs = append(errs, "market: default_b must be > 0")
	}
	if len(m.DefaultOutcomes) < 2 {
		errs = append(errs, "market: default_outcomes needs at least two labels")
	}
	if m.MinBet < 0 || (m.MaxBet > 0 && m.MaxBet < m.MinBet) {
		errs = append(errs, fmt.Sprintf("market: bet bounds [%g, %g] are inverted", m.MinBet, m.MaxBet))
	}
	if m.BetRateLimit < 0 {
		errs = append(errs, "market: bet_rate_limit must be >= 0")
	}
	for id, cat := range m.Categories {
		if len(cat.Outcomes) < 2 {
			errs = append(errs, fmt.Sprintf("market: category %q needs at least two outcomes", id))
		}
		if cat.B < 0 {
			errs = append(errs, fmt.Sprintf("market: category %q has negative b", id))
		}
	}
	if m.DefaultCategory != "" {
		if _, ok := m.Categories[m.DefaultCategory]; !ok {
			errs = append(errs, fmt.Sprintf("market: default_category %q is not defined", m.DefaultCategory))
		}
	}
	return errs
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
}

func isHexKey(k string) bool {
	k = strings.TrimPrefix(strings.TrimPrefix(k, "0x"), "0X")
	b, err := hex.DecodeString(k)
	return err == nil && len(b) == 32
}
