// Package config provides environment-based configuration for the control plane.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Driver names for the storage and runtime switches. Both are selected once
// at process startup; demo mode runs entirely in memory.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	RuntimeDriverDocker = "docker"
	RuntimeDriverMock   = "mock"
)

// Config holds all configuration for the control plane.
type Config struct {
	// Database configuration
	DatabaseDSN string
	StoreDriver string

	// Container runtime
	RuntimeDriver string

	// Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Server configuration
	APIPort int
	APIHost string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Marketplace catalog seed file, optional.
	CatalogPath string

	// Worker configuration
	Worker WorkerConfig

	// Secrets holds the age key pair for sealing secret variables.
	Secrets SecretsConfig

	// Redis view cache, optional.
	Redis RedisConfig
}

// WorkerConfig holds install worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrency int
	PollInterval   time.Duration
	InstallTimeout time.Duration
	// MetricsPort is where the worker serves its /metrics and /healthz
	// endpoints.
	MetricsPort int
}

// SecretsConfig holds the age keys for secrets encryption.
type SecretsConfig struct {
	// AgePublicKey is the age recipient used for sealing (required on the
	// API server). Format: age1... (Bech32 encoded)
	AgePublicKey string
	// AgePrivateKey is the age identity used for unsealing (required on
	// the worker). Format: AGE-SECRET-KEY-1... (Bech32 encoded)
	AgePrivateKey string
}

// RedisConfig holds the optional view cache settings. An empty Addr disables
// the cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	ViewTTL  time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	cfg := loadFromEnv()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-secret-key-min-32-chars"
	}
	return cfg
}

func loadFromEnv() *Config {
	return &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/homeport?sslmode=disable"),
		StoreDriver:     getEnv("STORE_DRIVER", StoreDriverPostgres),
		RuntimeDriver:   getEnv("RUNTIME_DRIVER", RuntimeDriverDocker),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIPort:         getIntEnv("API_PORT", 8080),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         getBoolEnv("LOG_JSON", true),
		CatalogPath:     getEnv("CATALOG_PATH", ""),
		Worker: WorkerConfig{
			MaxConcurrency: getIntEnv("WORKER_MAX_CONCURRENCY", 4),
			PollInterval:   getDurationEnv("WORKER_POLL_INTERVAL", 2*time.Second),
			InstallTimeout: getDurationEnv("INSTALL_TIMEOUT", 15*time.Minute),
			MetricsPort:    getIntEnv("WORKER_METRICS_PORT", 9090),
		},
		Secrets: SecretsConfig{
			AgePublicKey:  getEnv("AGE_PUBLIC_KEY", ""),
			AgePrivateKey: getEnv("AGE_PRIVATE_KEY", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			ViewTTL:  getDurationEnv("REDIS_VIEW_TTL", 3*time.Second),
		},
	}
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.RuntimeDriver {
	case RuntimeDriverDocker, RuntimeDriverMock:
	default:
		return fmt.Errorf("unknown RUNTIME_DRIVER %q", c.RuntimeDriver)
	}
	return nil
}

// DemoMode reports whether the process runs without external services.
func (c *Config) DemoMode() bool {
	return c.StoreDriver == StoreDriverMemory
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
