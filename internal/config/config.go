// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/infravault/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	PublicURL string // Base URL the oracle posts callbacks to

	// Storage
	DatabaseURL   string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisAddr     string // Redis for the request tracker (optional)
	RedisPassword string
	RedisPrefix   string

	// Decryption oracle
	OracleMode       string   // "local" or "http"
	OracleURL        string   // Relayer base URL (http mode)
	OracleAPIKey     string   // Bearer token for the relayer
	OracleSigners    []string // Trusted signer addresses (http mode)
	OracleThreshold  int
	OraclePrivateKey string // Local oracle signing key, hex; generated when empty

	// Pending request expiry
	PendingTTL        time.Duration
	JanitorInterval   time.Duration
	ReconcileInterval time.Duration

	// Security
	AuthPolicy        string // "scopes", "allow", "deny"
	AdminAPIKey       string // Bootstrap admin key
	ReceiptHMACSecret string // Enables signed receipts when set
	RateLimitRPM      int
	CORSOrigins       []string

	// Export
	OTLPEndpoint     string
	TraceSampleRatio float64
	KafkaBrokers     []string
	KafkaTopic       string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultOracleMode      = "local"
	DefaultAuthPolicy      = "scopes"
	DefaultRedisPrefix     = "infravault:"
	DefaultKafkaTopic      = "infravault.audit"
	DefaultRateLimit       = 120
	DefaultPendingTTL      = 30 * time.Minute
	DefaultJanitorInterval = time.Minute
	DefaultReconcile       = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	port := getEnv("PORT", DefaultPort)
	cfg := &Config{
		Port:              port,
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		PublicURL:         getEnv("PUBLIC_URL", "http://localhost:"+port),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:       getEnv("REDIS_PREFIX", DefaultRedisPrefix),
		OracleMode:        getEnv("ORACLE_MODE", DefaultOracleMode),
		OracleURL:         os.Getenv("ORACLE_URL"),
		OracleAPIKey:      os.Getenv("ORACLE_API_KEY"),
		OracleSigners:     getEnvList("ORACLE_SIGNERS"),
		OracleThreshold:   int(getEnvInt64("ORACLE_THRESHOLD", 1)),
		OraclePrivateKey:  os.Getenv("ORACLE_PRIVATE_KEY"),
		PendingTTL:        getEnvDuration("PENDING_TTL", DefaultPendingTTL),
		JanitorInterval:   getEnvDuration("JANITOR_INTERVAL", DefaultJanitorInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcile),
		AuthPolicy:        getEnv("AUTH_POLICY", DefaultAuthPolicy),
		AdminAPIKey:       os.Getenv("ADMIN_API_KEY"),
		ReceiptHMACSecret: os.Getenv("RECEIPT_HMAC_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:  getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.OracleMode {
	case "local":
		if c.OraclePrivateKey != "" {
			key := strings.TrimPrefix(c.OraclePrivateKey, "0x")
			if len(key) != 64 {
				return fmt.Errorf("ORACLE_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
			}
		}
	case "http":
		if c.OracleURL == "" {
			return fmt.Errorf("ORACLE_URL is required when ORACLE_MODE=http")
		}
		if len(c.OracleSigners) == 0 {
			return fmt.Errorf("ORACLE_SIGNERS is required when ORACLE_MODE=http")
		}
		if c.OracleThreshold > len(c.OracleSigners) {
			return fmt.Errorf("ORACLE_THRESHOLD %d exceeds the %d configured signers", c.OracleThreshold, len(c.OracleSigners))
		}
	default:
		return fmt.Errorf("ORACLE_MODE must be local or http, got %q", c.OracleMode)
	}
	if c.OracleThreshold < 1 {
		return fmt.Errorf("ORACLE_THRESHOLD must be at least 1")
	}

	switch c.AuthPolicy {
	case "scopes", "allow", "deny":
	default:
		return fmt.Errorf("AUTH_POLICY must be scopes, allow or deny, got %q", c.AuthPolicy)
	}

	if c.PendingTTL <= 0 {
		return fmt.Errorf("PENDING_TTL must be positive")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}

	if c.IsProduction() {
		if c.OracleMode == "local" {
			return fmt.Errorf("ORACLE_MODE=local is not allowed in production")
		}
		if c.AuthPolicy == "allow" {
			return fmt.Errorf("AUTH_POLICY=allow is not allowed in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if _, err := security.ProductionOraclePolicy.CheckURL(c.OracleURL); err != nil {
			return fmt.Errorf("ORACLE_URL: %w", err)
		}
		if _, err := security.ProductionOraclePolicy.CheckURL(c.PublicURL); err != nil {
			return fmt.Errorf("PUBLIC_URL: %w", err)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
