package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/dual-engine/internal/config"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := config.Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

const sample = `
log_level = "debug"

[server]
port = 9090
admin_token = "tok"
shutdown_timeout = "3s"

[engine]
min_notional = "5"
max_expiry = "72h"
fee_bps = 25

[risk]
min_health_factor = "1.5"

[[markets]]
address = "0x00000000000000000000000000000000000c0001"
underlying = "0x00000000000000000000000000000000000a0001"
decimals = 8
utilization_cap = "250000"
exchange_rate = "0.02"
price = "1"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dual.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.AdminToken != "tok" {
		t.Errorf("expected port 9090 and token, got %d %q", cfg.Server.Port, cfg.Server.AdminToken)
	}
	if cfg.Server.ShutdownTimeout.Duration != 3*time.Second {
		t.Errorf("expected 3s shutdown, got %s", cfg.Server.ShutdownTimeout.Duration)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %q", cfg.LogLevel)
	}
	if !cfg.Engine.MinNotional.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected min notional 5, got %s", cfg.Engine.MinNotional)
	}
	if cfg.Engine.FeeBps != 25 {
		t.Errorf("expected fee 25 bps, got %d", cfg.Engine.FeeBps)
	}
	// Unset keys keep their defaults.
	if cfg.Engine.SettlementWindow.Duration != 24*time.Hour {
		t.Errorf("expected default window, got %s", cfg.Engine.SettlementWindow.Duration)
	}

	if len(cfg.Markets) != 1 {
		t.Fatalf("expected 1 market, got %d", len(cfg.Markets))
	}
	m := cfg.Markets[0]
	if m.Address != common.HexToAddress("0xc0001") || m.Decimals != 8 {
		t.Errorf("unexpected market %+v", m)
	}

	set := cfg.MarketSet()
	params, ok := set.Market(m.Address)
	if !ok {
		t.Fatal("expected market in set")
	}
	if !params.UtilizationCap.Equal(decimal.NewFromInt(250000)) {
		t.Errorf("expected cap 250000, got %s", params.UtilizationCap)
	}
	if set.MaxExpiry != 72*time.Hour {
		t.Errorf("expected max expiry 72h, got %s", set.MaxExpiry)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DUAL_PORT", "7001")
	t.Setenv("DATABASE_URL", "postgres://legacy")
	t.Setenv("DUAL_ENGINE_FEE_BPS", "30")
	t.Setenv("DUAL_RISK_MAX_POSITION_SIZE_RATIO", "0.25")
	t.Setenv("DUAL_ENGINE_KEEPER_INTERVAL", "5s")
	t.Setenv("DUAL_ENGINE_VAULT_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("DUAL_REDIS_PRICE_FEED", "true")

	cfg, err := config.Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("expected DUAL_PORT to win, got %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://legacy" {
		t.Errorf("expected legacy database url, got %q", cfg.Database.URL)
	}
	if cfg.Engine.FeeBps != 30 {
		t.Errorf("expected env over file, got %d", cfg.Engine.FeeBps)
	}
	if !cfg.Risk.MaxPositionSizeRatio.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("expected ratio 0.25, got %s", cfg.Risk.MaxPositionSizeRatio)
	}
	if cfg.Engine.KeeperInterval.Duration != 5*time.Second {
		t.Errorf("expected 5s keeper, got %s", cfg.Engine.KeeperInterval.Duration)
	}
	if cfg.Engine.VaultAddress != common.HexToAddress("0xaa") {
		t.Errorf("expected vault 0xaa, got %s", cfg.Engine.VaultAddress.Hex())
	}
	if !cfg.Redis.PriceFeed {
		t.Error("expected price feed enabled")
	}
}

func TestLoad_MalformedEnvIgnored(t *testing.T) {
	t.Setenv("DUAL_ENGINE_FEE_BPS", "lots")
	t.Setenv("DUAL_ENGINE_VAULT_ADDRESS", "not-an-address")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := config.Defaults()
	if cfg.Engine.FeeBps != def.Engine.FeeBps {
		t.Errorf("expected default fee, got %d", cfg.Engine.FeeBps)
	}
	if cfg.Engine.VaultAddress != def.Engine.VaultAddress {
		t.Errorf("expected default vault, got %s", cfg.Engine.VaultAddress.Hex())
	}
}

func TestLoad_BadFile(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "[server\nport = ")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Engine.FeeBps = 10_000
	cfg.Engine.VaultAddress = common.Address{}
	cfg.Risk.MinHealthFactor = decimal.Zero
	cfg.Markets = []config.MarketConfig{
		{Address: common.HexToAddress("0x01"), Underlying: common.HexToAddress("0x02"), Decimals: 8},
		{Address: common.HexToAddress("0x01"), Underlying: common.HexToAddress("0x02"), Decimals: 19},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"log_level",
		"port",
		"fee_bps",
		"vault_address",
		"min_health_factor",
		"duplicate address",
		"decimals must be 0-18",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got:\n%s", want, err)
		}
	}
}

func TestBps(t *testing.T) {
	if got := config.Bps(25); !got.Equal(decimal.RequireFromString("0.0025")) {
		t.Errorf("expected 0.0025, got %s", got)
	}
}
