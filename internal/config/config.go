// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the realtime service.
type Config struct {
	Env      string
	LogLevel string
	HTTPPort string
	GRPCPort string

	// TLS for the gRPC listener. RequireTLS refuses to start without a pair.
	TLSCert    string
	TLSKey     string
	RequireTLS bool

	MongoURI      string
	MongoDatabase string
	RedisURL      string // optional: enables the distributed rate limiter

	// JWT material. Either JWTSecret or JWTKeys must be present.
	JWTSecret    string
	JWTKeys      map[string]string
	JWTActiveKID string

	AllowedOrigins   []string
	MessageMaxLength int
	OpTimeout        time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
	RateLimitSweep  time.Duration

	PushAPIURL       string
	PushAccessToken  string
	PushMaxRetries   int
	PushBaseDelay    time.Duration
	PushReceiptDelay time.Duration
	PushSendRate     int
	PushWorkers      int
	PushQueueSize    int
}

// ErrMissingSecret is returned when no JWT secret material is configured.
var ErrMissingSecret = errors.New("either JWT_SECRET or JWT_KEYS must be set")

// Load reads configuration from environment variables, loading a .env file
// first when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPPort:         getEnv("PORT", "8080"),
		GRPCPort:         getEnv("GRPC_PORT", "50051"),
		TLSCert:          os.Getenv("TLS_CERT"),
		TLSKey:           os.Getenv("TLS_KEY"),
		RequireTLS:       os.Getenv("REQUIRE_TLS") == "true",
		MongoURI:         os.Getenv("MONGODB_URI"),
		MongoDatabase:    getEnv("MONGODB_DATABASE", "carhub"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTActiveKID:     os.Getenv("JWT_ACTIVE_KID"),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8081,http://localhost:19006")),
		MessageMaxLength: getInt("MESSAGE_MAX_LENGTH", 2000),
		OpTimeout:        getDuration("OP_TIMEOUT", 10*time.Second),
		RateLimitMax:     getInt("RATE_LIMIT_MAX", 600),
		RateLimitWindow:  getDuration("RATE_LIMIT_WINDOW", time.Second),
		RateLimitSweep:   getDuration("RATE_LIMIT_SWEEP", 5*time.Minute),
		PushAPIURL:       getEnv("PUSH_API_URL", "https://exp.host/--/api/v2"),
		PushAccessToken:  os.Getenv("PUSH_ACCESS_TOKEN"),
		PushMaxRetries:   getInt("PUSH_MAX_RETRIES", 3),
		PushBaseDelay:    getDuration("PUSH_BASE_DELAY", time.Second),
		PushReceiptDelay: getDuration("PUSH_RECEIPT_DELAY", 15*time.Minute),
		PushSendRate:     getInt("PUSH_SEND_RATE", 600),
		PushWorkers:      getInt("PUSH_WORKERS", 4),
		PushQueueSize:    getInt("PUSH_QUEUE_SIZE", 1024),
	}

	if raw := os.Getenv("JWT_KEYS"); raw != "" {
		keys, err := ParseKeyRing(raw)
		if err != nil {
			return nil, err
		}
		cfg.JWTKeys = keys
	}

	if cfg.MongoURI == "" {
		return nil, errors.New("MONGODB_URI must be set")
	}
	if cfg.JWTSecret == "" && len(cfg.JWTKeys) == 0 {
		return nil, ErrMissingSecret
	}
	if cfg.RequireTLS && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return nil, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	return cfg, nil
}

// ParseKeyRing parses "kid:secret,kid2:secret2" into a map.
func ParseKeyRing(raw string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %q", p)
		}
		keys[parts[0]] = parts[1]
	}
	return keys, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
