// Package config defines the engine configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/model"
)

// Config is the root configuration. Fields are populated from defaults, a
// TOML file, then DUAL_* (and legacy PORT, DATABASE_URL, REDIS_URL)
// environment variables. Decimal values are written as TOML strings.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	NATS     NATSConfig     `toml:"nats"`
	Engine   EngineConfig   `toml:"engine"`
	Risk     RiskConfig     `toml:"risk"`
	Markets  []MarketConfig `toml:"markets"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	AdminToken      string   `toml:"admin_token"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the Redis connection used for the read-through cache,
// the price feed and the keeper lock. An empty URL disables all three.
type RedisConfig struct {
	URL         string   `toml:"url"`
	CacheTTL    duration `toml:"cache_ttl"`
	PriceFeed   bool     `toml:"price_feed"`
	PriceMaxAge duration `toml:"price_max_age"`
}

// NATSConfig holds the JetStream connection for outbound events. An empty
// URL disables publishing.
type NATSConfig struct {
	URL          string   `toml:"url"`
	StreamMaxAge duration `toml:"stream_max_age"`
	Buffer       int      `toml:"buffer"`
}

// EngineConfig holds entry and settlement parameters.
type EngineConfig struct {
	MinNotional       decimal.Decimal `toml:"min_notional"`
	MaxNotional       decimal.Decimal `toml:"max_notional"`
	MinExpiry         duration        `toml:"min_expiry"`
	MaxExpiry         duration        `toml:"max_expiry"`
	SettlementWindow  duration        `toml:"settlement_window"`
	FeeBps            int             `toml:"fee_bps"`
	RewardRate        decimal.Decimal `toml:"reward_rate"`
	SlippageBufferBps int             `toml:"slippage_buffer_bps"`
	SwapSlippageBps   int             `toml:"swap_slippage_bps"`
	KeeperInterval    duration        `toml:"keeper_interval"`
	VaultAddress      common.Address  `toml:"vault_address"`
	ExchangeAddress   common.Address  `toml:"exchange_address"`
}

// RiskConfig holds admission parameters.
type RiskConfig struct {
	MinHealthFactor      decimal.Decimal `toml:"min_health_factor"`
	MaxPositionSizeRatio decimal.Decimal `toml:"max_position_size_ratio"`
}

// MarketConfig describes one supported market. ExchangeRate and Price seed
// the simulated lending market and oracle in development mode.
type MarketConfig struct {
	Address        common.Address  `toml:"address"`
	Underlying     common.Address  `toml:"underlying"`
	Decimals       int32           `toml:"decimals"`
	UtilizationCap decimal.Decimal `toml:"utilization_cap"`
	ExchangeRate   decimal.Decimal `toml:"exchange_rate"`
	Price          decimal.Decimal `toml:"price"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
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

// Defaults returns a Config with development defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:    duration{5 * time.Minute},
			PriceMaxAge: duration{2 * time.Minute},
		},
		NATS: NATSConfig{
			StreamMaxAge: duration{72 * time.Hour},
			Buffer:       1024,
		},
		Engine: EngineConfig{
			MinNotional:       decimal.NewFromInt(1),
			MaxNotional:       decimal.NewFromInt(1_000_000),
			MinExpiry:         duration{time.Minute},
			MaxExpiry:         duration{30 * 24 * time.Hour},
			SettlementWindow:  duration{24 * time.Hour},
			FeeBps:            10,
			RewardRate:        decimal.NewFromFloat(0.001),
			SlippageBufferBps: 10,
			SwapSlippageBps:   100,
			KeeperInterval:    duration{30 * time.Second},
			VaultAddress:      common.HexToAddress("0x000000000000000000000000000000000000d0a1"),
			ExchangeAddress:   common.HexToAddress("0x000000000000000000000000000000000000e0c4"),
		},
		Risk: RiskConfig{
			MinHealthFactor:      decimal.NewFromFloat(1.2),
			MaxPositionSizeRatio: decimal.NewFromFloat(0.5),
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid values and returns a combined error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	e := c.Engine
	if !e.MinNotional.IsPositive() {
		errs = append(errs, "engine: min_notional must be > 0")
	}
	if e.MaxNotional.IsPositive() && e.MaxNotional.LessThan(e.MinNotional) {
		errs = append(errs, "engine: max_notional must not be below min_notional")
	}
	if e.MinExpiry.Duration <= 0 {
		errs = append(errs, "engine: min_expiry must be > 0")
	}
	if e.MaxExpiry.Duration < e.MinExpiry.Duration {
		errs = append(errs, "engine: max_expiry must not be below min_expiry")
	}
	if e.SettlementWindow.Duration <= 0 {
		errs = append(errs, "engine: settlement_window must be > 0")
	}
	if e.FeeBps < 0 || e.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: fee_bps must be 0-9999, got %d", e.FeeBps))
	}
	if e.RewardRate.IsNegative() {
		errs = append(errs, "engine: reward_rate must not be negative")
	}
	if e.SlippageBufferBps < 0 || e.SlippageBufferBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: slippage_buffer_bps must be 0-9999, got %d", e.SlippageBufferBps))
	}
	if e.SwapSlippageBps < 0 || e.SwapSlippageBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: swap_slippage_bps must be 0-9999, got %d", e.SwapSlippageBps))
	}
	if e.VaultAddress == (common.Address{}) {
		errs = append(errs, "engine: vault_address must be set")
	}

	if !c.Risk.MinHealthFactor.IsPositive() {
		errs = append(errs, "risk: min_health_factor must be > 0")
	}
	if !c.Risk.MaxPositionSizeRatio.IsPositive() {
		errs = append(errs, "risk: max_position_size_ratio must be > 0")
	}

	seen := make(map[common.Address]bool)
	for i, m := range c.Markets {
		if m.Address == (common.Address{}) || m.Underlying == (common.Address{}) {
			errs = append(errs, fmt.Sprintf("markets[%d]: address and underlying must be set", i))
		}
		if seen[m.Address] {
			errs = append(errs, fmt.Sprintf("markets[%d]: duplicate address %s", i, m.Address.Hex()))
		}
		seen[m.Address] = true
		if m.Decimals < 0 || m.Decimals > 18 {
			errs = append(errs, fmt.Sprintf("markets[%d]: decimals must be 0-18, got %d", i, m.Decimals))
		}
		if m.UtilizationCap.IsNegative() {
			errs = append(errs, fmt.Sprintf("markets[%d]: utilization_cap must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MarketSet converts the market list and engine bounds into the form the
// engine consumes.
func (c *Config) MarketSet() model.MarketConfig {
	mc := model.MarketConfig{
		Markets:          make(map[common.Address]model.MarketParams, len(c.Markets)),
		MinNotional:      c.Engine.MinNotional,
		MaxNotional:      c.Engine.MaxNotional,
		MinExpiry:        c.Engine.MinExpiry.Duration,
		MaxExpiry:        c.Engine.MaxExpiry.Duration,
		SettlementWindow: c.Engine.SettlementWindow.Duration,
	}
	for _, m := range c.Markets {
		mc.Markets[m.Address] = model.MarketParams{
			Address:        m.Address,
			Underlying:     m.Underlying,
			Decimals:       m.Decimals,
			UtilizationCap: m.UtilizationCap,
		}
	}
	return mc
}

// Bps converts basis points to a fraction.
func Bps(n int) decimal.Decimal {
	return decimal.New(int64(n), -4)
}
