// Package config loads server configuration from the environment, with
// an optional YAML credential file for API keys.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the backing store by scheme: postgres:// for
	// PostgreSQL, anything else is treated as a SQLite DSN.
	DatabaseURL string

	// Redis settings for the shared rate limiter. Empty addr means the
	// in-process limiter is used instead.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret   string
	APIKeysFile string

	LeaseTTLSeconds         int
	MaxLeaseLifetimeSeconds int
	ReaperIntervalSeconds   int
	DefaultMaxAttempts      int
	ChainDepthCap           int
	RetryPrincipal          string
	EmitAcceptedOnSubmit    bool

	RateLimitRPM   int
	RateLimitBurst int

	// OTLPEndpoint enables trace and metric export when non-empty.
	OTLPEndpoint string
	ServiceName  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        envStr("PORT", "8080"),
		LogLevel:    envStr("LOG_LEVEL", "INFO"),
		DatabaseURL: envStr("DATABASE_URL", "file:tally.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		APIKeysFile: os.Getenv("API_KEYS_FILE"),

		LeaseTTLSeconds:         envInt("LEASE_TTL_SECONDS", 900),
		MaxLeaseLifetimeSeconds: envInt("MAX_LEASE_LIFETIME_SECONDS", 7200),
		ReaperIntervalSeconds:   envInt("REAPER_INTERVAL_SECONDS", 30),
		DefaultMaxAttempts:      envInt("DEFAULT_MAX_ATTEMPTS", 3),
		ChainDepthCap:           envInt("CHAIN_DEPTH_CAP", 1000),
		RetryPrincipal:          envStr("RETRY_PRINCIPAL", "agent:operator"),
		EmitAcceptedOnSubmit:    os.Getenv("EMIT_ACCEPTED_ON_SUBMIT") == "true",

		RateLimitRPM:   envInt("RATE_LIMIT_RPM", 600),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 100),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		ServiceName:  envStr("SERVICE_NAME", "tally"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
