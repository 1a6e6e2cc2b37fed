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

	// Redis (optional, backs the notification cooldown store)
	RedisURL string

	// Decision engine
	NotifyCooldown  time.Duration // minimum gap between alerts sharing a dedupe key
	SummaryCacheTTL time.Duration // how long /engine/summary responses are cached
	ExecutesPerMin  int           // per-actor execute rate limit
	WebhookURL      string        // outbound alert webhook (optional)
	WebhookSecret   string        // HMAC secret for signing webhook payloads
	AdminSecret     string        // Admin API secret
	OTLPEndpoint    string        // OpenTelemetry collector endpoint (optional)
	RateLimitRPS    int           // global HTTP rate limit
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultNotifyCooldown  = 6 * time.Hour
	DefaultSummaryCacheTTL = 15 * time.Second
	DefaultExecutesPerMin  = 30
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:        os.Getenv("REDIS_URL"),    // Optional, uses DB/memory cooldown store if not set
		NotifyCooldown:  getEnvDuration("NOTIFY_COOLDOWN", DefaultNotifyCooldown),
		SummaryCacheTTL: getEnvDuration("SUMMARY_CACHE_TTL", DefaultSummaryCacheTTL),
		ExecutesPerMin:  int(getEnvInt64("EXECUTES_PER_MIN", DefaultExecutesPerMin)),
		WebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		WebhookSecret:   os.Getenv("ALERT_WEBHOOK_SECRET"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.NotifyCooldown <= 0 {
		return fmt.Errorf("NOTIFY_COOLDOWN must be positive")
	}
	if c.ExecutesPerMin <= 0 {
		return fmt.Errorf("EXECUTES_PER_MIN must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
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
