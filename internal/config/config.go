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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded, 0x prefix optional
	EscrowContract string
	RPCTimeout     time.Duration

	// Listener settings
	ConfirmationDepth uint64
	PollInterval      time.Duration
	StartBlock        uint64 // 0 = resume from watermark, or latest if none
	Workers           int
	QueueSize         int
	ReconcileInterval time.Duration // 0 disables the periodic sweep
	ReconcileWindow   uint64        // trailing blocks re-checked each sweep

	// Payment settings
	MaxSubmitAttempts int
	NativeUnitScale   int64 // ledger native units per base currency unit

	// Notifications
	WebhookURL    string // base URL notifications are POSTed to (optional)
	WebhookSecret string // HMAC key for webhook signatures (optional)

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultRPCTimeout        = 30 * time.Second
	DefaultConfirmationDepth = 3
	DefaultPollInterval      = 15 * time.Second
	DefaultWorkers           = 4
	DefaultQueueSize         = 256
	DefaultMaxSubmitAttempts = 3
	DefaultNativeUnitScale   = 1_000_000_000 // gwei per base unit
	DefaultReconcileInterval = 10 * time.Minute
	DefaultReconcileWindow   = 2000
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"), // Required for submissions, no default
		EscrowContract:    os.Getenv("ESCROW_CONTRACT"),
		RPCTimeout:        getEnvDuration("RPC_TIMEOUT", DefaultRPCTimeout),
		ConfirmationDepth: uint64(getEnvInt64("CONFIRMATION_DEPTH", DefaultConfirmationDepth)),
		PollInterval:      getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		StartBlock:        uint64(getEnvInt64("START_BLOCK", 0)),
		Workers:           int(getEnvInt64("WORKERS", DefaultWorkers)),
		QueueSize:         int(getEnvInt64("QUEUE_SIZE", DefaultQueueSize)),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileWindow:   uint64(getEnvInt64("RECONCILE_WINDOW", DefaultReconcileWindow)),
		MaxSubmitAttempts: int(getEnvInt64("MAX_SUBMIT_ATTEMPTS", DefaultMaxSubmitAttempts)),
		NativeUnitScale:   getEnvInt64("NATIVE_UNIT_SCALE", DefaultNativeUnitScale),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}

	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.ConfirmationDepth == 0 {
		return fmt.Errorf("CONFIRMATION_DEPTH must be at least 1")
	}
	if c.NativeUnitScale <= 0 {
		return fmt.Errorf("NATIVE_UNIT_SCALE must be positive")
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("WORKERS and QUEUE_SIZE must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
