package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ADMINPLANE_AUTH_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %s", cfg.Addr)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("TokenTTL = %s", cfg.TokenTTL)
	}
	if cfg.LockoutThreshold != 5 || cfg.LockoutCooldown != 15*time.Minute {
		t.Fatalf("lockout defaults: %d %s", cfg.LockoutThreshold, cfg.LockoutCooldown)
	}
	if cfg.PostgresDSN != "" {
		t.Fatalf("PostgresDSN = %s", cfg.PostgresDSN)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADMINPLANE_AUTH_SECRET", "test-secret")
	t.Setenv("ADMINPLANE_ADDR", ":9999")
	t.Setenv("ADMINPLANE_TOKEN_TTL", "30m")
	t.Setenv("ADMINPLANE_LOCKOUT_THRESHOLD", "3")
	t.Setenv("ADMINPLANE_PG_DSN", "postgres://localhost/adminplane")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("Addr = %s", cfg.Addr)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("TokenTTL = %s", cfg.TokenTTL)
	}
	if cfg.LockoutThreshold != 3 {
		t.Fatalf("LockoutThreshold = %d", cfg.LockoutThreshold)
	}
	if cfg.PostgresDSN != "postgres://localhost/adminplane" {
		t.Fatalf("PostgresDSN = %s", cfg.PostgresDSN)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("ADMINPLANE_AUTH_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing auth secret")
	}
}

func TestMalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("ADMINPLANE_AUTH_SECRET", "test-secret")
	t.Setenv("ADMINPLANE_TOKEN_TTL", "not-a-duration")
	t.Setenv("ADMINPLANE_RATE_LIMIT_PER_SEC", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("TokenTTL = %s", cfg.TokenTTL)
	}
	if cfg.RateLimitPerSec != 50 {
		t.Fatalf("RateLimitPerSec = %d", cfg.RateLimitPerSec)
	}
}

func TestValidateBounds(t *testing.T) {
	cfg := &Config{
		AuthSecret:       "s",
		TokenTTL:         time.Hour,
		LockoutThreshold: 0,
		DispatchTimeout:  time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero lockout threshold")
	}
	cfg.LockoutThreshold = 5
	cfg.DispatchTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero dispatch timeout")
	}
	cfg.DispatchTimeout = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
