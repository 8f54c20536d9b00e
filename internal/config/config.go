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
	Server     ServerConfig
	MongoDB    MongoDBConfig
	Redis      RedisConfig
	Storefront StorefrontConfig
	Funnel     FunnelConfig
	Session    SessionConfig
	OTEL       OTELConfig
	LogLevel   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string
	AllowedOrigins string
	IdempotencyTTL time.Duration
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
}

// StorefrontConfig points at the upstream storefront API
type StorefrontConfig struct {
	BaseURL string
	Timeout time.Duration // HTTP client ceiling, above the per-call timeout
}

// FunnelConfig holds purchase funnel settings
type FunnelConfig struct {
	UTMSource        string
	TargetSegment    string
	CallTimeout      time.Duration
	SessionTTL       time.Duration // Idle orchestrators are dropped after this
	SnapshotTTL      time.Duration
	BreakerThreshold int64 // Consecutive catalog failures before the breaker opens
	BreakerOpen      time.Duration
}

// SessionConfig holds the funnel session cookie settings
type SessionConfig struct {
	Secret       string
	CookieTTL    time.Duration
	SecureCookie bool
}

// OTELConfig holds OpenTelemetry exporter configuration
type OTELConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	URLPrefix      string
	InstanceID     string // Grafana Cloud basic auth user
	Token          string
}

// Load reads configuration from environment variables
// It attempts to load from .env file first, then falls back to system env vars
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 10*time.Minute),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "atomic_funnel"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Storefront: StorefrontConfig{
			BaseURL: getEnv("STOREFRONT_BASE_URL", ""),
			Timeout: getEnvAsDuration("STOREFRONT_TIMEOUT", 30*time.Second),
		},
		Funnel: FunnelConfig{
			UTMSource:        getEnv("FUNNEL_UTM_SOURCE", "student-kimia-v1"),
			TargetSegment:    getEnv("FUNNEL_TARGET_SEGMENT", "student"),
			CallTimeout:      getEnvAsDuration("FUNNEL_CALL_TIMEOUT", 15*time.Second),
			SessionTTL:       getEnvAsDuration("FUNNEL_SESSION_TTL", 30*time.Minute),
			SnapshotTTL:      getEnvAsDuration("FUNNEL_SNAPSHOT_TTL", 30*time.Minute),
			BreakerThreshold: getEnvAsInt64("FUNNEL_BREAKER_THRESHOLD", 5),
			BreakerOpen:      getEnvAsDuration("FUNNEL_BREAKER_OPEN", 30*time.Second),
		},
		Session: SessionConfig{
			Secret:       getEnv("SESSION_SECRET", ""),
			CookieTTL:    getEnvAsDuration("SESSION_COOKIE_TTL", 24*time.Hour),
			SecureCookie: getEnvAsBool("SESSION_SECURE_COOKIE", true),
		},
		OTEL: OTELConfig{
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "atomic-funnel"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getEnv("OTEL_ENVIRONMENT", "development"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			URLPrefix:      getEnv("OTEL_EXPORTER_OTLP_URL_PREFIX", "/otlp"),
			InstanceID:     getEnv("OTEL_INSTANCE_ID", ""),
			Token:          getEnv("OTEL_TOKEN", ""),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Storefront.BaseURL == "" {
		return fmt.Errorf("STOREFRONT_BASE_URL is required")
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters")
	}
	if c.Funnel.CallTimeout <= 0 {
		return fmt.Errorf("FUNNEL_CALL_TIMEOUT must be positive")
	}
	if c.Funnel.BreakerThreshold <= 0 {
		return fmt.Errorf("FUNNEL_BREAKER_THRESHOLD must be positive")
	}
	if c.OTEL.Enabled && c.OTEL.Endpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is set")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt64 retrieves an environment variable as int64 or returns a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("15s") or plain seconds ("15")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
