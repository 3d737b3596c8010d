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

// Load builds the configuration from the defaults, the TOML file at path
// (skipped when path is empty), a .env file in the working directory if
// there is one, and finally VAULTSHIFT_* environment variables. Keys the file
// sets that no field knows about are an error, so typos surface at start-up.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads well-known VAULTSHIFT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Address, "VAULTSHIFT_ENGINE_ADDRESS")
	setStr(&cfg.Engine.FeeRecipient, "VAULTSHIFT_ENGINE_FEE_RECIPIENT")
	setInt(&cfg.Engine.PoolFeeTier, "VAULTSHIFT_ENGINE_POOL_FEE_TIER")
	setStr(&cfg.Engine.PoolFactory, "VAULTSHIFT_ENGINE_POOL_FACTORY")
	setStr(&cfg.Engine.PoolInitCodeHash, "VAULTSHIFT_ENGINE_POOL_INIT_CODE_HASH")
	setStringSlice(&cfg.Engine.TrustedPools, "VAULTSHIFT_ENGINE_TRUSTED_POOLS")
	setStr(&cfg.Engine.DefaultMaxBorrowingFee, "VAULTSHIFT_ENGINE_DEFAULT_MAX_BORROWING_FEE")
	setInt(&cfg.Engine.DefaultMaxSlippageBps, "VAULTSHIFT_ENGINE_DEFAULT_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Engine.LockTTL, "VAULTSHIFT_ENGINE_LOCK_TTL")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "VAULTSHIFT_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "VAULTSHIFT_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.CDPManager, "VAULTSHIFT_CHAIN_CDP_MANAGER")
	setStr(&cfg.Chain.Vat, "VAULTSHIFT_CHAIN_VAT")
	setStr(&cfg.Chain.TroveManager, "VAULTSHIFT_CHAIN_TROVE_MANAGER")
	setStr(&cfg.Chain.DAI, "VAULTSHIFT_CHAIN_DAI")
	setStr(&cfg.Chain.LUSD, "VAULTSHIFT_CHAIN_LUSD")
	setInt(&cfg.Chain.QuoteVault, "VAULTSHIFT_CHAIN_QUOTE_VAULT")
	setStr(&cfg.Chain.QuoteOwner, "VAULTSHIFT_CHAIN_QUOTE_OWNER")

	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "VAULTSHIFT_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.KeyFile, "VAULTSHIFT_OPERATOR_KEY_FILE")
	setStr(&cfg.Operator.KeyPassword, "VAULTSHIFT_OPERATOR_KEY_PASSWORD")

	// ── Simulation ──
	setStr(&cfg.Simulation.Owner, "VAULTSHIFT_SIMULATION_OWNER")
	setStr(&cfg.Simulation.Rate, "VAULTSHIFT_SIMULATION_RATE")
	setStr(&cfg.Simulation.Price, "VAULTSHIFT_SIMULATION_PRICE")
	setStr(&cfg.Simulation.VaultCollateral, "VAULTSHIFT_SIMULATION_VAULT_COLLATERAL")
	setStr(&cfg.Simulation.VaultDebt, "VAULTSHIFT_SIMULATION_VAULT_DEBT")
	setInt(&cfg.Simulation.MaxSlippageBps, "VAULTSHIFT_SIMULATION_MAX_SLIPPAGE_BPS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "VAULTSHIFT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "VAULTSHIFT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "VAULTSHIFT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VAULTSHIFT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VAULTSHIFT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VAULTSHIFT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VAULTSHIFT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VAULTSHIFT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VAULTSHIFT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VAULTSHIFT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VAULTSHIFT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VAULTSHIFT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VAULTSHIFT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VAULTSHIFT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VAULTSHIFT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VAULTSHIFT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VAULTSHIFT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VAULTSHIFT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "VAULTSHIFT_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "VAULTSHIFT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VAULTSHIFT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VAULTSHIFT_S3_REGION")
	setStr(&cfg.S3.Bucket, "VAULTSHIFT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "VAULTSHIFT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "VAULTSHIFT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VAULTSHIFT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VAULTSHIFT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VAULTSHIFT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VAULTSHIFT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VAULTSHIFT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VAULTSHIFT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VAULTSHIFT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "VAULTSHIFT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "VAULTSHIFT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VAULTSHIFT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VAULTSHIFT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VAULTSHIFT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VAULTSHIFT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "VAULTSHIFT_MODE")
	setStr(&cfg.LogLevel, "VAULTSHIFT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
