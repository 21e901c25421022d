package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads .env if present, and applies environment overrides. The
// result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Legacy names first so DUAL_* wins when both are set.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "DUAL_PORT")
	setStr(&cfg.Server.AdminToken, "DUAL_ADMIN_TOKEN")
	setDuration(&cfg.Server.ShutdownTimeout, "DUAL_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.URL, "DUAL_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "DUAL_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "DUAL_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "DUAL_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.PriceFeed, "DUAL_REDIS_PRICE_FEED")
	setDuration(&cfg.Redis.PriceMaxAge, "DUAL_REDIS_PRICE_MAX_AGE")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "DUAL_NATS_URL")
	setDuration(&cfg.NATS.StreamMaxAge, "DUAL_NATS_STREAM_MAX_AGE")
	setInt(&cfg.NATS.Buffer, "DUAL_NATS_BUFFER")

	// ── Engine ──
	setDecimal(&cfg.Engine.MinNotional, "DUAL_ENGINE_MIN_NOTIONAL")
	setDecimal(&cfg.Engine.MaxNotional, "DUAL_ENGINE_MAX_NOTIONAL")
	setDuration(&cfg.Engine.MinExpiry, "DUAL_ENGINE_MIN_EXPIRY")
	setDuration(&cfg.Engine.MaxExpiry, "DUAL_ENGINE_MAX_EXPIRY")
	setDuration(&cfg.Engine.SettlementWindow, "DUAL_ENGINE_SETTLEMENT_WINDOW")
	setInt(&cfg.Engine.FeeBps, "DUAL_ENGINE_FEE_BPS")
	setDecimal(&cfg.Engine.RewardRate, "DUAL_ENGINE_REWARD_RATE")
	setInt(&cfg.Engine.SlippageBufferBps, "DUAL_ENGINE_SLIPPAGE_BUFFER_BPS")
	setInt(&cfg.Engine.SwapSlippageBps, "DUAL_ENGINE_SWAP_SLIPPAGE_BPS")
	setDuration(&cfg.Engine.KeeperInterval, "DUAL_ENGINE_KEEPER_INTERVAL")
	setAddress(&cfg.Engine.VaultAddress, "DUAL_ENGINE_VAULT_ADDRESS")
	setAddress(&cfg.Engine.ExchangeAddress, "DUAL_ENGINE_EXCHANGE_ADDRESS")

	// ── Risk ──
	setDecimal(&cfg.Risk.MinHealthFactor, "DUAL_RISK_MIN_HEALTH_FACTOR")
	setDecimal(&cfg.Risk.MaxPositionSizeRatio, "DUAL_RISK_MAX_POSITION_SIZE_RATIO")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "DUAL_LOG_LEVEL")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setAddress(dst *common.Address, key string) {
	if v := os.Getenv(key); v != "" && common.IsHexAddress(v) {
		*dst = common.HexToAddress(v)
	}
}
