// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// NoSubscriptionPolicy decides what the quota gate does for a tenant
// without an entitled subscription. It is the only place this is decided.
type NoSubscriptionPolicy string

const (
	// NoSubscriptionDeny rejects with NO_ACTIVE_SUBSCRIPTION.
	NoSubscriptionDeny NoSubscriptionPolicy = "deny"
	// NoSubscriptionFree evaluates the request against the free plan.
	NoSubscriptionFree NoSubscriptionPolicy = "free"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string   `env:"PORT" envDefault:"8080"`
	Env         string   `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string   `env:"LOG_FORMAT" envDefault:"json"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// Storage. Both optional: in-memory stores / in-process locks when unset.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Identity
	AdminSecret string        `env:"ADMIN_SECRET"`
	JWTSecret   string        `env:"JWT_SECRET"`
	JWTIssuer   string        `env:"JWT_ISSUER" envDefault:"aegis"`
	JWTTTL      time.Duration `env:"JWT_TTL" envDefault:"12h"`

	// Billing
	BillingPeriod        time.Duration        `env:"BILLING_PERIOD" envDefault:"720h"`
	GracePeriod          time.Duration        `env:"BILLING_GRACE_PERIOD" envDefault:"72h"`
	TrialPeriod          time.Duration        `env:"BILLING_TRIAL_PERIOD" envDefault:"0s"`
	NoSubscriptionPolicy NoSubscriptionPolicy `env:"QUOTA_NO_SUBSCRIPTION_POLICY" envDefault:"deny"`
	QuotaLockTimeout     time.Duration        `env:"QUOTA_LOCK_TIMEOUT" envDefault:"5s"`
	QuotaLockTTL         time.Duration        `env:"QUOTA_LOCK_TTL" envDefault:"15s"`

	// Card rail (Stripe)
	StripeSecretKey     string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTolerance     time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
	StripeSuccessURL    string        `env:"STRIPE_SUCCESS_URL" envDefault:"http://localhost:3000/billing/success"`
	StripeCancelURL     string        `env:"STRIPE_CANCEL_URL" envDefault:"http://localhost:3000/billing/cancel"`

	// Stripe price ids are generated per account.
	StripePriceStarter    string `env:"STRIPE_PRICE_STARTER"`
	StripePriceGrowth     string `env:"STRIPE_PRICE_GROWTH"`
	StripePriceEnterprise string `env:"STRIPE_PRICE_ENTERPRISE"`

	// Crypto rail (USDT on an EVM chain)
	ChainRPCURL           string        `env:"CHAIN_RPC_URL"`
	ChainID               int64         `env:"CHAIN_ID" envDefault:"137"`
	USDTNetwork           string        `env:"USDT_NETWORK" envDefault:"polygon"`
	USDTContract          string        `env:"USDT_CONTRACT" envDefault:"0xc2132D05D31c914a87C6611C10748AEb04B58e8F"`
	RequiredConfirmations uint64        `env:"USDT_REQUIRED_CONFIRMATIONS" envDefault:"12"`
	PaymentIntentTTL      time.Duration `env:"USDT_INTENT_TTL" envDefault:"30m"`
	PollInterval          time.Duration `env:"USDT_POLL_INTERVAL" envDefault:"30s"`
	DepositSeed           string        `env:"USDT_DEPOSIT_SEED"` // hex, >= 32 bytes

	// Outbound subscription notifications
	NotifyAttempts   int           `env:"NOTIFY_ATTEMPTS" envDefault:"4"`
	NotifyBackoff    time.Duration `env:"NOTIFY_BACKOFF" envDefault:"2s"`
	NotifyTimeout    time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	NotifyAllowLocal bool          `env:"NOTIFY_ALLOW_PRIVATE_URLS" envDefault:"false"`

	// Rate limiting
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules the struct tags cannot express.
func (c *Config) Validate() error {
	switch c.NoSubscriptionPolicy {
	case NoSubscriptionDeny, NoSubscriptionFree:
	default:
		return fmt.Errorf("QUOTA_NO_SUBSCRIPTION_POLICY must be %q or %q", NoSubscriptionDeny, NoSubscriptionFree)
	}

	if c.BillingPeriod <= 0 {
		return fmt.Errorf("BILLING_PERIOD must be positive")
	}
	if c.QuotaLockTimeout <= 0 {
		return fmt.Errorf("QUOTA_LOCK_TIMEOUT must be positive")
	}
	if c.NotifyAttempts < 1 {
		return fmt.Errorf("NOTIFY_ATTEMPTS must be at least 1")
	}

	if c.ChainRPCURL != "" {
		seed, err := hex.DecodeString(c.DepositSeed)
		if err != nil || len(seed) < 32 {
			return fmt.Errorf("USDT_DEPOSIT_SEED must be at least 32 hex-encoded bytes when CHAIN_RPC_URL is set")
		}
		if c.RequiredConfirmations == 0 {
			return fmt.Errorf("USDT_REQUIRED_CONFIRMATIONS must be at least 1")
		}
		if c.PaymentIntentTTL <= 0 {
			return fmt.Errorf("USDT_INTENT_TTL must be positive")
		}
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.NotifyAllowLocal {
			return fmt.Errorf("NOTIFY_ALLOW_PRIVATE_URLS must be false in production")
		}
	}

	if c.StripeSecretKey != "" {
		for name, price := range map[string]string{
			"STRIPE_PRICE_STARTER":    c.StripePriceStarter,
			"STRIPE_PRICE_GROWTH":     c.StripePriceGrowth,
			"STRIPE_PRICE_ENTERPRISE": c.StripePriceEnterprise,
		} {
			if !strings.HasPrefix(price, "price_") {
				return fmt.Errorf("%s must be a Stripe price id when STRIPE_SECRET_KEY is set", name)
			}
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CryptoRailEnabled reports whether the USDT rail has a chain to talk to.
func (c *Config) CryptoRailEnabled() bool {
	return c.ChainRPCURL != ""
}
