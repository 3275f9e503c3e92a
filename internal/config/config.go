// Package config provides configuration loading and management for the giftwell service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set variables, preserving
// OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local carries gitignored local overrides
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the giftwell service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL; empty selects the no-op publisher
	MailerURL   string // Transactional-mail collaborator base URL; empty disables delivery

	// S3-compatible object storage for item images
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Owner authentication
	JWTIssuer   string // Expected issuer for owner JWT validation
	JWTAudience string // Expected audience for owner JWT validation

	// Public-collaboration behavior
	RateLimitPerMinute     int    // Guest actions admitted per actor per trailing minute
	IdempotencyTTLSeconds  int    // Lifetime of cached idempotent responses
	HeartbeatSeconds       int    // Stream heartbeat / rebuild interval
	ReconnectWindowSeconds int    // Client reconnect-detection hint sent on the stream
	CanonicalHost          string // Host used when composing share URLs
}

// Default configuration values used when environment variables are not set
const (
	defaultPort            = "8080"
	defaultEnv             = "dev"
	defaultRateLimit       = 30
	defaultIdempotencyTTL  = 86400 // 24h
	defaultHeartbeat       = 15
	defaultReconnectWindow = 45
	defaultCanonicalHost   = "http://localhost:8080"
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                    getEnv("GW_ENV", defaultEnv),
		Port:                   getEnv("GW_PORT", defaultPort),
		DatabaseDSN:            os.Getenv("GW_DB_DSN"),
		NATSURL:                os.Getenv("GW_NATS_URL"),
		MailerURL:              os.Getenv("GW_MAILER_URL"),
		S3Endpoint:             os.Getenv("GW_S3_ENDPOINT"),
		S3Region:               getEnv("GW_S3_REGION", "us-east-1"),
		S3Bucket:               os.Getenv("GW_S3_BUCKET"),
		S3AccessKey:            os.Getenv("GW_S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("GW_S3_SECRET_KEY"),
		JWTIssuer:              os.Getenv("GW_JWT_ISSUER"),
		JWTAudience:            os.Getenv("GW_JWT_AUDIENCE"),
		RateLimitPerMinute:     getEnvInt("GW_RATE_LIMIT_PER_MINUTE", defaultRateLimit),
		IdempotencyTTLSeconds:  getEnvInt("GW_IDEMPOTENCY_TTL_SECONDS", defaultIdempotencyTTL),
		HeartbeatSeconds:       getEnvInt("GW_STREAM_HEARTBEAT_SECONDS", defaultHeartbeat),
		ReconnectWindowSeconds: getEnvInt("GW_STREAM_RECONNECT_WINDOW_SECONDS", defaultReconnectWindow),
		CanonicalHost:          getEnv("GW_CANONICAL_HOST", defaultCanonicalHost),
	}

	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("GW_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("GW_JWT_AUDIENCE is required")
	}
	if cfg.RateLimitPerMinute <= 0 {
		return cfg, fmt.Errorf("GW_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if cfg.HeartbeatSeconds <= 0 {
		return cfg, fmt.Errorf("GW_STREAM_HEARTBEAT_SECONDS must be positive")
	}
	if cfg.IdempotencyTTLSeconds <= 0 {
		return cfg, fmt.Errorf("GW_IDEMPOTENCY_TTL_SECONDS must be positive")
	}
	if cfg.ReconnectWindowSeconds <= 0 {
		return cfg, fmt.Errorf("GW_STREAM_RECONNECT_WINDOW_SECONDS must be positive")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable, returning a fallback
// when the variable is unset or unparsable.
func getEnvInt(key string, fallback int) int {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
