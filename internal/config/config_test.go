package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

const sampleYAML = `
server:
  port: "7000"
  shutdown_timeout: 2s
store:
  backend: pebble
  pebble_path: /tmp/perp
logging:
  level: debug
engine:
  admin: ops
  base_denom: USDC
  native_token: USDC
  denoms: [USDC, ATOM, ETH]
  max_leverage: 20
  limit_order_fee: 0.0002
  market_order_fee: "0.0007"
  liquidation_order_fee: 0.01
  funding_payment_lookback: 3600
  funding_payment_pairs:
    - {price_denom: USDC, asset_denom: ATOM}
  margin_ratios:
    initial: 0.05
    partial: 0.04
    maintenance: 0.02
risk:
  max_per_pair: 50000
index_prices:
  - {price_denom: USDC, asset_denom: ATOM, price: 9.5}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML), writeFile(t, ".env", ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != "7000" || cfg.Server.ShutdownTimeout != 2*time.Second {
		t.Errorf("unexpected server section %+v", cfg.Server)
	}
	if cfg.Store.Backend != BackendPebble || cfg.Store.CacheTTL != 30*time.Second {
		t.Errorf("unexpected store section %+v", cfg.Store)
	}

	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}
	if params.Admin != "ops" || len(params.Denoms) != 3 {
		t.Errorf("unexpected params %+v", params)
	}
	if !params.MaxLeverage.Equal(signed.MustParse("20")) || !params.MarketOrderFee.Equal(signed.MustParse("0.0007")) {
		t.Errorf("decimals not parsed: leverage %s, market fee %s", params.MaxLeverage, params.MarketOrderFee)
	}
	atom := pair.MustNew("USDC", "ATOM")
	if len(params.FundingPaymentPairs) != 1 || params.FundingPaymentPairs[0] != atom {
		t.Errorf("unexpected funding pairs %v", params.FundingPaymentPairs)
	}

	prices, err := cfg.IndexPriceMap()
	if err != nil {
		t.Fatal(err)
	}
	if !prices[atom].Equal(signed.MustParse("9.5")) {
		t.Errorf("expected index 9.5, got %s", prices[atom])
	}
	if l := cfg.Limiter(); l == nil || !l.MaxPerPair.Equal(signed.MustParse("50000")) {
		t.Errorf("expected a per-pair limiter, got %+v", l)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("LOG_FILE", "/var/log/perp.log")
	t.Setenv("ENGINE_MAX_LEVERAGE", "5")

	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML), writeFile(t, ".env", ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.LogOptions().File != "/var/log/perp.log" {
		t.Errorf("expected log file override, got %q", cfg.Logging.File)
	}
	if !cfg.Engine.MaxLeverage.Equal(signed.MustParse("5").Decimal()) {
		t.Errorf("expected leverage 5, got %s", cfg.Engine.MaxLeverage)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv("ENGINE_ADMIN") })

	cfg, err := Load("", writeFile(t, ".env", "ENGINE_ADMIN=treasury\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Admin != "treasury" {
		t.Errorf("expected admin from .env, got %q", cfg.Engine.Admin)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Server.Port == "" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "store:\n  backend: cassandra\n"},
		{"postgres without url", "store:\n  backend: postgres\n"},
		{"unordered ratios", "engine:\n  margin_ratios: {initial: 0.01, partial: 0.5, maintenance: 0.1}\n"},
		{"long denom", "engine:\n  denoms: [USDC, VERYLONGDENOM]\n"},
		{"non-positive index", "index_prices:\n  - {price_denom: USDC, asset_denom: ATOM, price: 0}\n"},
		{"negative limit", "risk:\n  max_per_denom: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.yaml", tt.yaml), writeFile(t, ".env", "")); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), ""); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestLimiter_DisabledByDefault(t *testing.T) {
	if l := Default().Limiter(); l != nil {
		t.Errorf("expected no limiter, got %+v", l)
	}
}
