// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Strategy kinds.
const (
	StrategyConcession = "concession"
	StrategyOpenAI     = "openai"
	StrategyAnthropic  = "anthropic"
	StrategyRemote     = "remote"
)

// Payment modes.
const (
	PaymentSandbox = "sandbox"
	PaymentEVM     = "evm"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	LedgerDriver  string
	DBPath        string
	DatabaseURL   string
	RedisURL      string
	DirectoryFile string
	KeySecret     string
	StreamEnabled bool

	Strategy       StrategyConfig
	Payment        PaymentConfig
	Negotiation    NegotiationConfig
	RateLimit      RateLimitConfig
	Sweeper        SweeperConfig
	HealthTimeout  time.Duration
	SettleTimeout  time.Duration
	SettleLockTTL  time.Duration
	ShutdownPeriod time.Duration
}

// StrategyConfig selects the decision strategy of each side.
type StrategyConfig struct {
	Seller            string
	Buyer             string
	BuyerOpeningRatio float64
	OpenAIKey         string
	OpenAIModel       string
	AnthropicKey      string
	AnthropicModel    string
	DecisionAddr      string
	Timeout           time.Duration
}

// PaymentConfig selects the payment rail.
type PaymentConfig struct {
	Mode          string
	ChainRPCURL   string
	TokenAddress  string
	TokenDecimals int
	SandboxFunds  float64
	SandboxFee    float64
}

// NegotiationConfig holds request bounds and engine timeouts.
type NegotiationConfig struct {
	Currency          string
	DefaultRoundLimit int
	MaxRoundLimit     int
	PersistTimeout    time.Duration
}

// RateLimitConfig bounds negotiations per buyer agent.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// SweeperConfig controls the stale session sweeper.
type SweeperConfig struct {
	Interval time.Duration
	StaleTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	strategyDefault := strings.ToLower(getEnv("STRATEGY", StrategyConcession))

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		LedgerDriver:  strings.ToLower(getEnv("LEDGER_DRIVER", DriverSQLite)),
		DBPath:        getEnv("DB_PATH", "./data/dealbroker.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		DirectoryFile: getEnv("DIRECTORY_FILE", "./data/directory.yaml"),
		KeySecret:     getEnv("KEY_SECRET", ""),
		StreamEnabled: getEnvBool("STREAM_ENABLED", true),
		Strategy: StrategyConfig{
			Seller:            strings.ToLower(getEnv("SELLER_STRATEGY", strategyDefault)),
			Buyer:             strings.ToLower(getEnv("BUYER_STRATEGY", strategyDefault)),
			BuyerOpeningRatio: getEnvFloat("BUYER_OPENING_RATIO", 0.6),
			OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:       getEnv("OPENAI_MODEL", ""),
			AnthropicKey:      getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:    getEnv("ANTHROPIC_MODEL", ""),
			DecisionAddr:      getEnv("DECISION_SERVICE_ADDR", ""),
			Timeout:           getEnvDuration("STRATEGY_TIMEOUT", 30*time.Second),
		},
		Payment: PaymentConfig{
			Mode:          strings.ToLower(getEnv("PAYMENT_MODE", PaymentSandbox)),
			ChainRPCURL:   getEnv("CHAIN_RPC_URL", ""),
			TokenAddress:  getEnv("CHAIN_TOKEN_ADDRESS", ""),
			TokenDecimals: getEnvInt("CHAIN_TOKEN_DECIMALS", 6),
			SandboxFunds:  getEnvFloat("SANDBOX_FUNDING", 10000),
			SandboxFee:    getEnvFloat("SANDBOX_FEE_RATE", 0),
		},
		Negotiation: NegotiationConfig{
			Currency:          getEnv("CURRENCY", "USDC"),
			DefaultRoundLimit: getEnvInt("DEFAULT_ROUND_LIMIT", 5),
			MaxRoundLimit:     getEnvInt("MAX_ROUND_LIMIT", 20),
			PersistTimeout:    getEnvDuration("PERSIST_TIMEOUT", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Sweeper: SweeperConfig{
			Interval: getEnvDuration("SWEEP_INTERVAL", time.Minute),
			StaleTTL: getEnvDuration("STALE_SESSION_TTL", 15*time.Minute),
		},
		HealthTimeout:  getEnvDuration("HEALTH_CHECK_TIMEOUT", 2*time.Second),
		SettleTimeout:  getEnvDuration("SETTLE_TIMEOUT", 60*time.Second),
		SettleLockTTL:  getEnvDuration("SETTLE_LOCK_TTL", 2*time.Minute),
		ShutdownPeriod: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and that
// every selected backend has what it needs.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DirectoryFile == "" {
		return errors.New("DIRECTORY_FILE cannot be empty")
	}

	switch c.LedgerDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when LEDGER_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("LEDGER_DRIVER %q is not one of sqlite, postgres", c.LedgerDriver)
	}

	for name, kind := range map[string]string{"SELLER_STRATEGY": c.Strategy.Seller, "BUYER_STRATEGY": c.Strategy.Buyer} {
		if err := c.validateStrategy(name, kind); err != nil {
			return err
		}
	}
	if r := c.Strategy.BuyerOpeningRatio; r <= 0 || r > 1 {
		return errors.New("BUYER_OPENING_RATIO must be in (0, 1]")
	}

	switch c.Payment.Mode {
	case PaymentSandbox:
		if c.Payment.SandboxFunds < 0 || c.Payment.SandboxFee < 0 {
			return errors.New("SANDBOX_FUNDING and SANDBOX_FEE_RATE must be >= 0")
		}
	case PaymentEVM:
		if c.Payment.ChainRPCURL == "" {
			return errors.New("CHAIN_RPC_URL is required when PAYMENT_MODE=evm")
		}
		if c.Payment.TokenAddress != "" && !common.IsHexAddress(c.Payment.TokenAddress) {
			return fmt.Errorf("CHAIN_TOKEN_ADDRESS %q is not a hex address", c.Payment.TokenAddress)
		}
		if c.Payment.TokenDecimals < 0 || c.Payment.TokenDecimals > 36 {
			return errors.New("CHAIN_TOKEN_DECIMALS must be in [0, 36]")
		}
	default:
		return fmt.Errorf("PAYMENT_MODE %q is not one of sandbox, evm", c.Payment.Mode)
	}

	if c.Negotiation.Currency == "" {
		return errors.New("CURRENCY cannot be empty")
	}
	if c.Negotiation.DefaultRoundLimit < 1 {
		return errors.New("DEFAULT_ROUND_LIMIT must be > 0")
	}
	if c.Negotiation.MaxRoundLimit < c.Negotiation.DefaultRoundLimit {
		return errors.New("MAX_ROUND_LIMIT must be >= DEFAULT_ROUND_LIMIT")
	}
	if c.RateLimit.Requests < 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be >= 0")
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.StaleTTL <= 0 {
		return errors.New("SWEEP_INTERVAL and STALE_SESSION_TTL must be > 0")
	}
	return nil
}

func (c *Config) validateStrategy(name, kind string) error {
	switch kind {
	case StrategyConcession:
	case StrategyOpenAI:
		if c.Strategy.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when %s=openai", name)
		}
	case StrategyAnthropic:
		if c.Strategy.AnthropicKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when %s=anthropic", name)
		}
	case StrategyRemote:
		if c.Strategy.DecisionAddr == "" {
			return fmt.Errorf("DECISION_SERVICE_ADDR is required when %s=remote", name)
		}
	default:
		return fmt.Errorf("%s %q is not one of concession, openai, anthropic, remote", name, kind)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins derived from FRONTEND_URL.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
