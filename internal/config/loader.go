package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, loads .env when present,
// then applies PITCH_* overrides. An empty path or a missing file leaves the
// defaults in place. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy settings
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "PITCH_MODE")
	setStr(&cfg.LogLevel, "PITCH_LOG_LEVEL")

	setInt(&cfg.Server.Port, "PITCH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PITCH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PITCH_SERVER_API_KEY")
	setInt(&cfg.Server.RequestsPerSec, "PITCH_SERVER_REQUESTS_PER_SEC")

	setStr(&cfg.Storage.Driver, "PITCH_STORAGE_DRIVER")
	setStr(&cfg.SQLite.Path, "PITCH_SQLITE_PATH")

	setStr(&cfg.Postgres.DSN, "PITCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PITCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PITCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PITCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PITCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PITCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PITCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PITCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PITCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PITCH_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "PITCH_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PITCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PITCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PITCH_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PITCH_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PITCH_REDIS_KEY_PREFIX")

	setBool(&cfg.S3.Enabled, "PITCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PITCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PITCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "PITCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PITCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PITCH_S3_SECRET_KEY")

	setStr(&cfg.Wallet.PrivateKey, "PITCH_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PITCH_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PITCH_WALLET_KEY_PASSWORD")

	setBool(&cfg.Clearnode.Enabled, "PITCH_CLEARNODE_ENABLED")
	setStr(&cfg.Clearnode.URL, "PITCH_CLEARNODE_URL")
	setStr(&cfg.Clearnode.Application, "PITCH_CLEARNODE_APPLICATION")
	setBool(&cfg.Clearnode.ReuseSession, "PITCH_CLEARNODE_REUSE_SESSION")
	setDuration(&cfg.Clearnode.RequestTimeout, "PITCH_CLEARNODE_REQUEST_TIMEOUT")

	setFloat64(&cfg.Market.MinBet, "PITCH_MARKET_MIN_BET")
	setFloat64(&cfg.Market.MaxBet, "PITCH_MARKET_MAX_BET")
	setInt(&cfg.Market.BetRateLimit, "PITCH_MARKET_BET_RATE_LIMIT")

	setDuration(&cfg.Oracle.OpenDelay, "PITCH_ORACLE_OPEN_DELAY")
	setDuration(&cfg.Oracle.CloseDelay, "PITCH_ORACLE_CLOSE_DELAY")
	setDuration(&cfg.Oracle.ResolveDelay, "PITCH_ORACLE_RESOLVE_DELAY")

	setStr(&cfg.Notify.TelegramToken, "PITCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PITCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PITCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PITCH_NOTIFY_EVENTS")

	setBool(&cfg.Metrics.Enabled, "PITCH_METRICS_ENABLED")
}

// Each helper only touches dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
