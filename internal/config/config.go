package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	infisical "github.com/infisical/go-sdk"
	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	"github.com/web3-frozen/reserve-monitor/internal/lock"
)

const (
	DefaultAssetMint = "assetSHnT4AzwSGDx6wqv7CWacqjg1LEXnbir3FnSSa"

	LockFile     = lock.BackendFile
	LockRedis    = lock.BackendRedis
	LockPostgres = lock.BackendPostgres
)

type Config struct {
	Port            string
	DatabaseURL     string
	FrontendOrigins []string
	LogLevel        slog.Level

	BirdeyeAPIKey  string
	BirdeyeBaseURL string
	HeliusAPIKey   string
	HeliusRPCURL   string

	AssetMint        string
	ReserveWallets   []string
	PoolLimit        int
	SnapshotInterval time.Duration

	LockBackend   string
	LockDir       string
	RedisURL      string
	RedisPassword string

	TelegramToken  string
	TelegramChatID int64
}

// Load reads an optional .env file (ENV_FILE, default ".env"), then the
// environment, then fills empty secrets from Infisical when configured.
// Variables already set in the environment are never overridden.
func Load() Config {
	loadDotEnv(envOr("ENV_FILE", ".env"))

	cfg := Config{
		Port:            envOr("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		FrontendOrigins: splitList(envOr("FRONTEND_ORIGIN", "*")),
		LogLevel:        parseLevel(os.Getenv("LOG_LEVEL")),

		BirdeyeAPIKey:  os.Getenv("BIRDEYE_API_KEY"),
		BirdeyeBaseURL: envOr("BIRDEYE_BASE_URL", "https://public-api.birdeye.so"),
		HeliusAPIKey:   os.Getenv("HELIUS_API_KEY"),
		HeliusRPCURL:   envOr("HELIUS_RPC_URL", "https://mainnet.helius-rpc.com"),

		AssetMint:        envOr("ASSET_MINT", DefaultAssetMint),
		ReserveWallets:   splitList(os.Getenv("RESERVE_WALLETS")),
		PoolLimit:        envInt("POOL_LIMIT", 50),
		SnapshotInterval: envDuration("SNAPSHOT_INTERVAL", 8*time.Hour),

		LockBackend:   strings.ToLower(envOr("LOCK_BACKEND", LockFile)),
		LockDir:       os.Getenv("LOCK_DIR"),
		RedisURL:      envOr("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: envInt64("TELEGRAM_CHAT_ID", 0),
	}

	// If Infisical credentials are available, fetch secrets from Infisical
	clientID := os.Getenv("INFISICAL_CLIENT_ID")
	clientSecret := os.Getenv("INFISICAL_CLIENT_SECRET")
	if clientID != "" && clientSecret != "" {
		loadFromInfisical(&cfg, clientID, clientSecret)
	}

	return cfg
}

// Validate checks the values a snapshot run cannot do without.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if err := validatePubkey(c.AssetMint); err != nil {
		errs = append(errs, fmt.Errorf("ASSET_MINT: %w", err))
	}
	for _, w := range c.ReserveWallets {
		if err := validatePubkey(w); err != nil {
			errs = append(errs, fmt.Errorf("RESERVE_WALLETS %q: %w", w, err))
		}
	}
	if c.PoolLimit <= 0 {
		errs = append(errs, fmt.Errorf("POOL_LIMIT must be positive, got %d", c.PoolLimit))
	}
	switch c.LockBackend {
	case LockFile, LockRedis, LockPostgres:
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND %q: want file, redis or postgres", c.LockBackend))
	}
	return errors.Join(errs...)
}

// validatePubkey accepts a base58 string that decodes to a 32-byte key.
func validatePubkey(s string) error {
	b, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("not base58: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("decodes to %d bytes, want 32", len(b))
	}
	return nil
}

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", path, "error", err)
	}
}

func loadFromInfisical(cfg *Config, clientID, clientSecret string) {
	siteURL := envOr("INFISICAL_SITE_URL", "https://app.infisical.com")
	projectID := os.Getenv("INFISICAL_PROJECT_ID")
	envSlug := envOr("INFISICAL_ENV", "prod")

	if projectID == "" {
		slog.Warn("INFISICAL_PROJECT_ID not set, skipping Infisical")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          siteURL,
		AutoTokenRefresh: false,
	})

	_, err := client.Auth().UniversalAuthLogin(clientID, clientSecret)
	if err != nil {
		slog.Error("infisical auth failed", "error", err)
		return
	}

	secrets := map[string]*string{
		"DATABASE_URL":       &cfg.DatabaseURL,
		"BIRDEYE_API_KEY":    &cfg.BirdeyeAPIKey,
		"HELIUS_API_KEY":     &cfg.HeliusAPIKey,
		"REDIS_PASSWORD":     &cfg.RedisPassword,
		"TELEGRAM_BOT_TOKEN": &cfg.TelegramToken,
	}

	for key, target := range secrets {
		if *target != "" {
			continue // env var already set, skip
		}
		secret, err := client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
			SecretKey:   key,
			Environment: envSlug,
			ProjectID:   projectID,
			SecretPath:  "/",
		})
		if err != nil {
			slog.Warn("failed to retrieve secret from infisical", "key", key, "error", err)
			continue
		}
		*target = secret.SecretValue
		slog.Info("loaded secret from infisical", "key", key)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

// splitList splits a comma-separated list, dropping blank entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
