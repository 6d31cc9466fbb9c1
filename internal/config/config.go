// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	EscrowTimeout time.Duration // fixed at startup, immutable afterwards

	// Security
	WebhookSecret string // fallback HMAC secret for webhook signing
	AdminSecret   string // Admin API secret (ledger deposits, key issuance)
	RateLimitRPS  int

	// Chain settings (deposit watcher; all three required to enable it)
	RPCURL         string
	USDCContract   string
	DepositAddress string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultEscrowTimeout = time.Hour
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		EscrowTimeout: getEnvDuration("ESCROW_TIMEOUT", DefaultEscrowTimeout),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:  int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),

		RPCURL:         os.Getenv("RPC_URL"),
		USDCContract:   os.Getenv("USDC_CONTRACT"),
		DepositAddress: os.Getenv("DEPOSIT_ADDRESS"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.EscrowTimeout <= 0 {
		return fmt.Errorf("ESCROW_TIMEOUT must be a positive duration")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.WatcherEnabled() {
		if c.USDCContract == "" || c.DepositAddress == "" {
			return fmt.Errorf("RPC_URL requires USDC_CONTRACT and DEPOSIT_ADDRESS")
		}
	}
	return nil
}

// WatcherEnabled reports whether the deposit watcher should run.
func (c *Config) WatcherEnabled() bool {
	return c.RPCURL != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
