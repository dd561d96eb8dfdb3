package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration loaded from the environment.
type Config struct {
	// HTTP server
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	RateLimitPerSec int
	RateLimitBurst  int

	// Persistence: empty DSN means the in-memory store.
	PostgresDSN string

	// Sessions and credentials
	AuthSecret       string
	TokenTTL         time.Duration
	LockoutThreshold int
	LockoutCooldown  time.Duration

	// Dispatch pipeline
	DispatchTimeout time.Duration
	IdempotencyTTL  time.Duration

	// One-time bootstrap of the first super admin.
	BootstrapEmail    string
	BootstrapPassword string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:            getEnv("ADMINPLANE_ADDR", ":8080"),
		ReadTimeout:     getEnvDuration("ADMINPLANE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ADMINPLANE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("ADMINPLANE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ADMINPLANE_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxBodyBytes:    getEnvInt64("ADMINPLANE_MAX_BODY_BYTES", 1<<20),
		RateLimitPerSec: getEnvInt("ADMINPLANE_RATE_LIMIT_PER_SEC", 50),
		RateLimitBurst:  getEnvInt("ADMINPLANE_RATE_LIMIT_BURST", 100),

		PostgresDSN: getEnv("ADMINPLANE_PG_DSN", ""),

		AuthSecret:       getEnv("ADMINPLANE_AUTH_SECRET", ""),
		TokenTTL:         getEnvDuration("ADMINPLANE_TOKEN_TTL", time.Hour),
		LockoutThreshold: getEnvInt("ADMINPLANE_LOCKOUT_THRESHOLD", 5),
		LockoutCooldown:  getEnvDuration("ADMINPLANE_LOCKOUT_COOLDOWN", 15*time.Minute),

		DispatchTimeout: getEnvDuration("ADMINPLANE_DISPATCH_TIMEOUT", 5*time.Second),
		IdempotencyTTL:  getEnvDuration("ADMINPLANE_IDEMPOTENCY_TTL", 10*time.Minute),

		BootstrapEmail:    getEnv("ADMINPLANE_BOOTSTRAP_EMAIL", "admin@adminplane.org"),
		BootstrapPassword: getEnv("ADMINPLANE_BOOTSTRAP_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AuthSecret) == "" {
		return fmt.Errorf("ADMINPLANE_AUTH_SECRET is required")
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("ADMINPLANE_LOCKOUT_THRESHOLD must be >= 1")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("ADMINPLANE_TOKEN_TTL must be positive")
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("ADMINPLANE_DISPATCH_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
