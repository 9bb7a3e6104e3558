// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	LockInactivityTimeout time.Duration
	IdempotencyRetention  time.Duration
	SweepInterval         time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	DocstoreBucket   string
	DocstoreRegion   string
	DocstoreEndpoint string

	// LifecycleDefinition optionally points at a YAML transition table;
	// empty means the built-in case definition.
	LifecycleDefinition string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                  getenv("PORT", "8080"),
		LogLevel:              getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:           getenv("DATABASE_URL", "postgres://caseline@localhost:5432/caseline?sslmode=disable"),
		RedisAddr:             getenv("REDIS_ADDR", ""),
		RedisDB:               getint("REDIS_DB", 0),
		LockInactivityTimeout: getdur("LOCK_INACTIVITY_TIMEOUT", 2*time.Hour),
		IdempotencyRetention:  getdur("IDEMPOTENCY_RETENTION", 24*time.Hour),
		SweepInterval:         getdur("SWEEP_INTERVAL", time.Minute),
		BreakerThreshold:      getint("BREAKER_THRESHOLD", 5),
		BreakerCooldown:       getdur("BREAKER_COOLDOWN", 10*time.Second),
		DocstoreBucket:        getenv("DOCSTORE_BUCKET", ""),
		DocstoreRegion:        getenv("DOCSTORE_REGION", "us-east-1"),
		DocstoreEndpoint:      getenv("DOCSTORE_ENDPOINT", ""),
		LifecycleDefinition:   getenv("LIFECYCLE_DEFINITION", ""),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
