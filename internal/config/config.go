package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the core runtime configuration for the gateway.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	AdminUser     string
	AdminPassword string

	DatabaseURL string
	RedisURL    string

	ListenAddr string

	// UpstreamTimeout bounds a single proxied round trip to a
	// protected API. Requests still in flight after this long are
	// aborted and reported as a gateway error.
	UpstreamTimeout time.Duration

	// LogRetentionDays is how long proxy request logs are kept before
	// the retention worker deletes them. Zero disables cleanup.
	LogRetentionDays int
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		AdminUser:        getenv("APP_ADMIN_USER", "admin"),
		AdminPassword:    getenv("APP_ADMIN_PASSWORD", "changeme"),
		DatabaseURL:      os.Getenv("APP_DATABASE_URL"),
		RedisURL:         getenv("APP_REDIS_URL", "redis://localhost:6379"),
		ListenAddr:       getenv("APP_LISTEN_ADDR", ":8080"),
		UpstreamTimeout:  30 * time.Second,
		LogRetentionDays: 30,
	}

	if v := os.Getenv("APP_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.UpstreamTimeout = d
		}
	}

	if v := os.Getenv("APP_LOG_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.LogRetentionDays = days
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
