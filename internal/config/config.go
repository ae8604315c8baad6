// Package config loads the server configuration from a YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vortex/perp-engine/internal/logging"
	"github.com/vortex/perp-engine/internal/model"
	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/risk"
	"github.com/vortex/perp-engine/internal/signed"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// PairConfig names a market.
type PairConfig struct {
	PriceDenom string `yaml:"price_denom"`
	AssetDenom string `yaml:"asset_denom"`
}

// IndexPrice is a fixed index price for one market.
type IndexPrice struct {
	PriceDenom string          `yaml:"price_denom"`
	AssetDenom string          `yaml:"asset_denom"`
	Price      decimal.Decimal `yaml:"price"`
}

// Config holds every setting of the server.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`

	Store struct {
		Backend     string        `yaml:"backend"`
		PebblePath  string        `yaml:"pebble_path"`
		DatabaseURL string        `yaml:"database_url"`
		RedisURL    string        `yaml:"redis_url"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"store"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Engine struct {
		Admin                  string          `yaml:"admin"`
		BaseDenom              string          `yaml:"base_denom"`
		NativeToken            string          `yaml:"native_token"`
		Denoms                 []string        `yaml:"denoms"`
		MaxLeverage            decimal.Decimal `yaml:"max_leverage"`
		LimitOrderFee          decimal.Decimal `yaml:"limit_order_fee"`
		MarketOrderFee         decimal.Decimal `yaml:"market_order_fee"`
		LiquidationOrderFee    decimal.Decimal `yaml:"liquidation_order_fee"`
		FundingPaymentLookback uint64          `yaml:"funding_payment_lookback"`
		FundingPaymentPairs    []PairConfig    `yaml:"funding_payment_pairs"`
		MarginRatios           struct {
			Initial     decimal.Decimal `yaml:"initial"`
			Partial     decimal.Decimal `yaml:"partial"`
			Maintenance decimal.Decimal `yaml:"maintenance"`
		} `yaml:"margin_ratios"`
	} `yaml:"engine"`

	Risk struct {
		MaxPerPair  decimal.Decimal `yaml:"max_per_pair"`
		MaxPerDenom decimal.Decimal `yaml:"max_per_denom"`
	} `yaml:"risk"`

	IndexPrices []IndexPrice `yaml:"index_prices"`
}

// Default returns a configuration that runs a single-collateral USDC engine
// on the in-memory store.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Server.CORSOrigins = []string{"*"}

	cfg.Store.Backend = BackendMemory
	cfg.Store.PebblePath = "data/perp"
	cfg.Store.CacheTTL = 30 * time.Second

	cfg.Logging.Level = "info"

	cfg.Engine.Admin = "admin"
	cfg.Engine.BaseDenom = "USDC"
	cfg.Engine.NativeToken = "USDC"
	cfg.Engine.Denoms = []string{"USDC"}
	cfg.Engine.MaxLeverage = decimal.NewFromInt(10)
	cfg.Engine.LimitOrderFee = decimal.RequireFromString("0.0005")
	cfg.Engine.MarketOrderFee = decimal.RequireFromString("0.001")
	cfg.Engine.LiquidationOrderFee = decimal.RequireFromString("0.005")
	cfg.Engine.MarginRatios.Initial = decimal.RequireFromString("0.1")
	cfg.Engine.MarginRatios.Partial = decimal.RequireFromString("0.0625")
	cfg.Engine.MarginRatios.Maintenance = decimal.RequireFromString("0.03")
	return &cfg
}

// Load builds the configuration. An empty path skips the YAML file. The .env
// file at envPath (or ./.env when empty) is optional.
func Load(path, envPath string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.RedisURL = getEnv("REDIS_URL", cfg.Store.RedisURL)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = getEnv("LOG_FILE", cfg.Logging.File)
	cfg.Engine.Admin = getEnv("ENGINE_ADMIN", cfg.Engine.Admin)

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}
	if lev := os.Getenv("ENGINE_MAX_LEVERAGE"); lev != "" {
		d, err := decimal.NewFromString(lev)
		if err != nil {
			return fmt.Errorf("ENGINE_MAX_LEVERAGE: %w", err)
		}
		cfg.Engine.MaxLeverage = d
	}
	if lb := os.Getenv("ENGINE_FUNDING_LOOKBACK"); lb != "" {
		n, err := strconv.ParseUint(lb, 10, 64)
		if err != nil {
			return fmt.Errorf("ENGINE_FUNDING_LOOKBACK: %w", err)
		}
		cfg.Engine.FundingPaymentLookback = n
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks the settings the server cannot start without. Engine
// params are validated again by the engine when they are seeded.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.Store.PebblePath == "" {
			return errors.New("pebble backend needs pebble_path")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("postgres backend needs database_url")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Engine.Admin == "" {
		return errors.New("engine admin is required")
	}
	if c.Risk.MaxPerPair.IsNegative() || c.Risk.MaxPerDenom.IsNegative() {
		return errors.New("risk limits must not be negative")
	}
	if _, err := c.Params(); err != nil {
		return err
	}
	if _, err := c.IndexPriceMap(); err != nil {
		return err
	}
	return nil
}

// Params converts the engine section into the params seeded on first start.
func (c *Config) Params() (*model.Params, error) {
	e := c.Engine
	pairs := make([]pair.Pair, 0, len(e.FundingPaymentPairs))
	for _, pc := range e.FundingPaymentPairs {
		p, err := pair.New(pc.PriceDenom, pc.AssetDenom)
		if err != nil {
			return nil, fmt.Errorf("funding pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	for _, d := range e.Denoms {
		if err := pair.ValidateDenom(d); err != nil {
			return nil, fmt.Errorf("denom: %w", err)
		}
	}

	ratios := model.MarginRatios{
		Initial:     e.MarginRatios.Initial,
		Partial:     e.MarginRatios.Partial,
		Maintenance: e.MarginRatios.Maintenance,
	}
	if err := ratios.Validate(); err != nil {
		return nil, err
	}

	return &model.Params{
		Admin:                  e.Admin,
		LimitOrderFee:          signed.FromDecimal(e.LimitOrderFee),
		MarketOrderFee:         signed.FromDecimal(e.MarketOrderFee),
		LiquidationOrderFee:    signed.FromDecimal(e.LiquidationOrderFee),
		MaxLeverage:            signed.FromDecimal(e.MaxLeverage),
		FundingPaymentLookback: e.FundingPaymentLookback,
		NativeToken:            e.NativeToken,
		BaseDenom:              e.BaseDenom,
		Denoms:                 append([]string{}, e.Denoms...),
		FundingPaymentPairs:    pairs,
		DefaultMarginRatios:    ratios,
	}, nil
}

// Limiter returns the exposure limiter, or nil when both limits are zero.
func (c *Config) Limiter() *risk.Limiter {
	if c.Risk.MaxPerPair.IsZero() && c.Risk.MaxPerDenom.IsZero() {
		return nil
	}
	return risk.NewLimiter(signed.FromDecimal(c.Risk.MaxPerPair), signed.FromDecimal(c.Risk.MaxPerDenom))
}

// IndexPriceMap returns the configured index prices keyed by market. It is
// empty when none are configured.
func (c *Config) IndexPriceMap() (map[pair.Pair]signed.Decimal, error) {
	out := make(map[pair.Pair]signed.Decimal, len(c.IndexPrices))
	for _, ip := range c.IndexPrices {
		p, err := pair.New(ip.PriceDenom, ip.AssetDenom)
		if err != nil {
			return nil, fmt.Errorf("index price: %w", err)
		}
		if !ip.Price.IsPositive() {
			return nil, fmt.Errorf("index price for %s must be positive", p)
		}
		out[p] = signed.New(ip.Price)
	}
	return out, nil
}

// LogOptions returns the logging section as logging options.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}
