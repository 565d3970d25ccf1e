package config

import (
	"errors"
	"testing"
	"time"
)

func TestParseKeyRing(t *testing.T) {
	keys, err := ParseKeyRing("k1:secret-one, k2:secret:two,,")
	if err != nil {
		t.Fatalf("ParseKeyRing failed: %v", err)
	}
	if keys["k1"] != "secret-one" || keys["k2"] != "secret:two" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if _, err := ParseKeyRing("broken"); err == nil {
		t.Fatal("expected error for entry without separator")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_KEYS", "")

	if _, err := Load(); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("PUSH_RECEIPT_DELAY", "30s")
	t.Setenv("MESSAGE_MAX_LENGTH", "not-a-number")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateLimitMax != 5 {
		t.Fatalf("RateLimitMax = %d, want 5", cfg.RateLimitMax)
	}
	if cfg.PushReceiptDelay != 30*time.Second {
		t.Fatalf("PushReceiptDelay = %v, want 30s", cfg.PushReceiptDelay)
	}
	if cfg.MessageMaxLength != 2000 {
		t.Fatalf("MessageMaxLength should fall back to default, got %d", cfg.MessageMaxLength)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}
