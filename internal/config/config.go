// Package config defines the top-level configuration for the vault migration
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VAULTSHIFT_* environment variables.
type Config struct {
	Engine     EngineConfig     `toml:"engine"`
	Chain      ChainConfig      `toml:"chain"`
	Operator   OperatorConfig   `toml:"operator"`
	Simulation SimulationConfig `toml:"simulation"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// EngineConfig holds migration engine parameters.
type EngineConfig struct {
	// Address is the account the engine acts as.
	Address string `toml:"address"`
	// FeeRecipient receives the operator fee. Defaults to the operator key's
	// address when empty.
	FeeRecipient string `toml:"fee_recipient"`
	// PoolFeeTier is the bridging pool's fee in hundredths of a basis point.
	PoolFeeTier int `toml:"pool_fee_tier"`
	// PoolFactory and PoolInitCodeHash derive the bridging pool address.
	PoolFactory      string `toml:"pool_factory"`
	PoolInitCodeHash string `toml:"pool_init_code_hash"`
	// TrustedPools are extra pool addresses accepted as flash callers.
	TrustedPools []string `toml:"trusted_pools"`
	// DefaultMaxBorrowingFee is a decimal fraction, e.g. "0.01" for 1%.
	DefaultMaxBorrowingFee string   `toml:"default_max_borrowing_fee"`
	DefaultMaxSlippageBps  int      `toml:"default_max_slippage_bps"`
	LockTTL                duration `toml:"lock_ttl"`
}

// ChainConfig holds JSON-RPC and contract addresses for the read-only chain
// reader used by quote mode.
type ChainConfig struct {
	RPCURL       string `toml:"rpc_url"`
	ChainID      int    `toml:"chain_id"`
	CDPManager   string `toml:"cdp_manager"`
	Vat          string `toml:"vat"`
	TroveManager string `toml:"trove_manager"`
	DAI          string `toml:"dai"`
	LUSD         string `toml:"lusd"`
	// QuoteVault and QuoteOwner select what quote mode reads.
	QuoteVault int    `toml:"quote_vault"`
	QuoteOwner string `toml:"quote_owner"`
}

// OperatorConfig holds the operator's signing key.
type OperatorConfig struct {
	PrivateKey string `toml:"private_key"`
	// KeyFile is a sealed key or a keystore v3 JSON file.
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
}

// SimulationConfig seeds the in-memory ledgers. Amounts are decimal strings
// in whole tokens; Rate is the decimal rate accumulator (1 = no accrual).
type SimulationConfig struct {
	// Owner owns the seeded vault. Defaults to the operator key's address.
	Owner                   string `toml:"owner"`
	Ilk                     string `toml:"ilk"`
	Rate                    string `toml:"rate"`
	Price                   string `toml:"price"`
	VaultCollateral         string `toml:"vault_collateral"`
	VaultDebt               string `toml:"vault_debt"`
	PoolDAI                 string `toml:"pool_dai"`
	PoolLUSD                string `toml:"pool_lusd"`
	ExistingTroveCollateral string `toml:"existing_trove_collateral"`
	ExistingTroveDebt       string `toml:"existing_trove_debt"`
	MaxSlippageBps          int    `toml:"max_slippage_bps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// Namespace prefixes every key, channel and stream.
	Namespace string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
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

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required in the X-API-Key header of mutating
	// requests.
	APIKey string `toml:"api_key"`
	// RateLimit caps API requests per client IP per RateWindow. Zero
	// disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Address:                "0x00000000000000000000000000000000000EE1E0",
			PoolFeeTier:            3000,
			PoolFactory:            "0x1F98431c8aD98523631AE4a59f267346ea31F984",
			PoolInitCodeHash:       "0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54",
			DefaultMaxBorrowingFee: "0.01",
			DefaultMaxSlippageBps:  50,
			LockTTL:                duration{30 * time.Second},
		},
		Chain: ChainConfig{
			ChainID:      1,
			CDPManager:   "0x5ef30b9986345249bc32d8928B7ee64DE9435E39",
			Vat:          "0x35D1b3F3D7966A1DFe207aa4514C12a259A0492B",
			TroveManager: "0xA39739EF8b0231DbFA0DcdA07d7e29faAbCf4bb2",
			DAI:          "0x6B175474E89094C44Da98b954EedeAC495271d0F",
			LUSD:         "0x5f98805A4E8be255a32880FDeC7F6728C6568bA0",
		},
		Simulation: SimulationConfig{
			Ilk:             "ETH-A",
			Rate:            "1",
			Price:           "2000",
			VaultCollateral: "100",
			VaultDebt:       "5000",
			PoolDAI:         "1000000",
			PoolLUSD:        "1000000",
			MaxSlippageBps:  100,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "vaultshift",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Namespace:  "vaultshift",
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "vaultshift-receipts",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"migration_completed", "migration_failed"},
		},
		Mode:     ModeServer,
		LogLevel: "info",
	}
}

// Run modes.
const (
	// ModeServer serves the HTTP API and event feed over simulated ledgers.
	ModeServer = "server"
	// ModeSimulate runs one signed migration of the seeded vault and exits.
	ModeSimulate = "simulate"
	// ModeQuote reads a vault from a live chain and logs the plan.
	ModeQuote = "quote"
)

var validModes = map[string]bool{
	ModeServer:   true,
	ModeSimulate: true,
	ModeQuote:    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, simulate, quote)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	checkAddress(&errs, "engine: address", c.Engine.Address, true)
	checkAddress(&errs, "engine: fee_recipient", c.Engine.FeeRecipient, false)
	checkAddress(&errs, "engine: pool_factory", c.Engine.PoolFactory, true)
	for i, p := range c.Engine.TrustedPools {
		checkAddress(&errs, fmt.Sprintf("engine: trusted_pools[%d]", i), p, true)
	}
	if len(common.FromHex(c.Engine.PoolInitCodeHash)) != common.HashLength {
		errs = append(errs, "engine: pool_init_code_hash must be 32 bytes of hex")
	}
	if c.Engine.PoolFeeTier <= 0 || c.Engine.PoolFeeTier >= 1_000_000 {
		errs = append(errs, fmt.Sprintf("engine: pool_fee_tier must be in (0, 1000000), got %d", c.Engine.PoolFeeTier))
	}
	checkAmount(&errs, "engine: default_max_borrowing_fee", c.Engine.DefaultMaxBorrowingFee, true)
	checkBps(&errs, "engine: default_max_slippage_bps", c.Engine.DefaultMaxSlippageBps)
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}

	// Operator. Server mode signs nothing itself but needs an identity for
	// the fee recipient and simulated vault owner unless both are given.
	needsKey := mode == ModeSimulate ||
		(mode == ModeServer && (c.Engine.FeeRecipient == "" || c.Simulation.Owner == ""))
	if needsKey && c.Operator.PrivateKey == "" && c.Operator.KeyFile == "" {
		errs = append(errs, "operator: either private_key or key_file must be set for mode "+c.Mode)
	}
	if c.Operator.KeyFile != "" && c.Operator.KeyPassword == "" {
		errs = append(errs, "operator: key_password is required when key_file is set")
	}

	// Simulation
	if mode == ModeServer || mode == ModeSimulate {
		checkAddress(&errs, "simulation: owner", c.Simulation.Owner, false)
		if c.Simulation.Ilk == "" {
			errs = append(errs, "simulation: ilk must not be empty")
		}
		checkAmount(&errs, "simulation: rate", c.Simulation.Rate, true)
		checkAmount(&errs, "simulation: price", c.Simulation.Price, true)
		checkAmount(&errs, "simulation: vault_collateral", c.Simulation.VaultCollateral, true)
		checkAmount(&errs, "simulation: vault_debt", c.Simulation.VaultDebt, false)
		checkAmount(&errs, "simulation: pool_dai", c.Simulation.PoolDAI, true)
		checkAmount(&errs, "simulation: pool_lusd", c.Simulation.PoolLUSD, true)
		checkAmount(&errs, "simulation: existing_trove_collateral", c.Simulation.ExistingTroveCollateral, false)
		checkAmount(&errs, "simulation: existing_trove_debt", c.Simulation.ExistingTroveDebt, false)
		checkBps(&errs, "simulation: max_slippage_bps", c.Simulation.MaxSlippageBps)
	}

	// Chain
	if mode == ModeQuote {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for quote mode")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		checkAddress(&errs, "chain: cdp_manager", c.Chain.CDPManager, true)
		checkAddress(&errs, "chain: vat", c.Chain.Vat, true)
		checkAddress(&errs, "chain: trove_manager", c.Chain.TroveManager, true)
		checkAddress(&errs, "chain: dai", c.Chain.DAI, true)
		checkAddress(&errs, "chain: lusd", c.Chain.LUSD, true)
		checkAddress(&errs, "chain: quote_owner", c.Chain.QuoteOwner, true)
		if c.Chain.QuoteVault <= 0 {
			errs = append(errs, "chain: quote_vault must be positive")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkAddress(errs *[]string, field, value string, required bool) {
	if value == "" {
		if required {
			*errs = append(*errs, field+" must not be empty")
		}
		return
	}
	if !common.IsHexAddress(value) {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a hex address", field, value))
	}
}

func checkAmount(errs *[]string, field, value string, required bool) {
	if value == "" {
		if required {
			*errs = append(*errs, field+" must not be empty")
		}
		return
	}
	if _, err := fixedpoint.ParseWad(value); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", field, err))
	}
}

func checkBps(errs *[]string, field string, value int) {
	if value < 0 || value > fixedpoint.BpsDenominator {
		*errs = append(*errs, fmt.Sprintf("%s must be 0-%d, got %d", field, fixedpoint.BpsDenominator, value))
	}
}
