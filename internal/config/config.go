// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, audit and kill switch events stay in memory if not set)
	DatabaseURL string

	// Chain settings (RPC_URL empty disables submission and confirmation polling)
	RPCURL       string
	ChainID      int64
	RPCRateLimit int

	// Signer
	SignerMode         string // "dev" or "keystore"
	PrivateKey         string // dev mode only; hex, generated when empty
	KeystoreDir        string
	KeystorePassphrase string
	KeystoreAddress    string

	// Market data
	PriceFeedURL  string // empty uses the static feed
	PriceCacheTTL time.Duration

	// Admin API
	AdminAPIKey  string
	RateLimitRPM int

	// Safety loops
	BreakerRecoveryInterval  time.Duration
	ConfirmationPollInterval time.Duration
	ConfirmationMaxRetries   int
	ConfirmationWorkers      int
	KillSwitchPollInterval   time.Duration
	KillSwitchFile           string
	KillSwitchSignals        bool   // SIGUSR1/SIGUSR2 trigger the kill switch
	MaintenanceSchedule      string // cron expression, empty disables
	MaintenanceDuration      time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                     = "8090"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "json"
	DefaultChainID                  = 8453 // Base mainnet
	DefaultRPCRateLimit             = 10
	DefaultSignerMode               = "dev"
	DefaultPriceCacheTTL            = 5 * time.Second
	DefaultRateLimitRPM             = 120
	DefaultBreakerRecoveryInterval  = 30 * time.Second
	DefaultConfirmationPollInterval = 10 * time.Second
	DefaultConfirmationMaxRetries   = 5
	DefaultConfirmationWorkers      = 8
	DefaultKillSwitchPollInterval   = 5 * time.Second
	DefaultKillSwitchFile           = "/tmp/tradeguard_kill_switch"
	DefaultMaintenanceDuration      = 30 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RPCURL:                   os.Getenv("RPC_URL"),
		ChainID:                  getEnvInt64("CHAIN_ID", DefaultChainID),
		RPCRateLimit:             int(getEnvInt64("RPC_RATE_LIMIT", DefaultRPCRateLimit)),
		SignerMode:               getEnv("SIGNER_MODE", DefaultSignerMode),
		PrivateKey:               os.Getenv("PRIVATE_KEY"),
		KeystoreDir:              os.Getenv("KEYSTORE_DIR"),
		KeystorePassphrase:       os.Getenv("KEYSTORE_PASSPHRASE"),
		KeystoreAddress:          os.Getenv("KEYSTORE_ADDRESS"),
		PriceFeedURL:             os.Getenv("PRICE_FEED_URL"),
		PriceCacheTTL:            getEnvDuration("PRICE_CACHE_TTL", DefaultPriceCacheTTL),
		AdminAPIKey:              os.Getenv("ADMIN_API_KEY"),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		BreakerRecoveryInterval:  getEnvDuration("BREAKER_RECOVERY_INTERVAL", DefaultBreakerRecoveryInterval),
		ConfirmationPollInterval: getEnvDuration("CONFIRMATION_POLL_INTERVAL", DefaultConfirmationPollInterval),
		ConfirmationMaxRetries:   int(getEnvInt64("CONFIRMATION_MAX_RETRIES", DefaultConfirmationMaxRetries)),
		ConfirmationWorkers:      int(getEnvInt64("CONFIRMATION_WORKERS", DefaultConfirmationWorkers)),
		KillSwitchPollInterval:   getEnvDuration("KILL_SWITCH_POLL_INTERVAL", DefaultKillSwitchPollInterval),
		KillSwitchFile:           getEnv("KILL_SWITCH_FILE", DefaultKillSwitchFile),
		KillSwitchSignals:        getEnvBool("KILL_SWITCH_SIGNALS", true),
		MaintenanceSchedule:      os.Getenv("MAINTENANCE_SCHEDULE"),
		MaintenanceDuration:      getEnvDuration("MAINTENANCE_DURATION", DefaultMaintenanceDuration),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.IsProduction() && c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required in production")
	}

	switch c.SignerMode {
	case "dev":
		if c.IsProduction() {
			return fmt.Errorf("SIGNER_MODE=dev is not allowed in production")
		}
		if c.PrivateKey != "" {
			key := strings.TrimPrefix(c.PrivateKey, "0x")
			if len(key) != 64 {
				return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
			}
		}
	case "keystore":
		if c.KeystoreDir == "" {
			return fmt.Errorf("KEYSTORE_DIR is required when SIGNER_MODE=keystore")
		}
	default:
		return fmt.Errorf("SIGNER_MODE must be dev or keystore, got %q", c.SignerMode)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	durations := []struct {
		key string
		v   time.Duration
	}{
		{"PRICE_CACHE_TTL", c.PriceCacheTTL},
		{"BREAKER_RECOVERY_INTERVAL", c.BreakerRecoveryInterval},
		{"CONFIRMATION_POLL_INTERVAL", c.ConfirmationPollInterval},
		{"KILL_SWITCH_POLL_INTERVAL", c.KillSwitchPollInterval},
		{"MAINTENANCE_DURATION", c.MaintenanceDuration},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}

	if c.ConfirmationWorkers <= 0 {
		return fmt.Errorf("CONFIRMATION_WORKERS must be positive")
	}
	if c.ConfirmationMaxRetries < 0 {
		return fmt.Errorf("CONFIRMATION_MAX_RETRIES must not be negative")
	}
	if c.RPCRateLimit <= 0 {
		return fmt.Errorf("RPC_RATE_LIMIT must be positive")
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

// getEnvDuration accepts Go duration syntax ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
