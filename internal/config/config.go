// Package config provides configuration loading for the docflow service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the docflow service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Ledger configuration
	LedgerType  string // "memory" or "redis"
	LedgerTTL   time.Duration
	EventMaxLen int64

	// Engine configuration
	StepTimeout       time.Duration
	DefaultMaxRetries int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	DefaultPauseTTL   time.Duration
	LeaseTTL          time.Duration

	// Artifact store (S3/MinIO) for oversized output snapshots
	ArtifactBucket    string
	ArtifactEndpoint  string
	ArtifactRegion    string
	ArtifactAccessKey string
	ArtifactSecretKey string
	ArtifactUseSSL    bool
	ArtifactPrefix    string
	SnapshotInlineMax int

	// Signal tokens: per-pause bearer tokens minted for callback links
	SignalTokenSecret string
	SignalTokenTTL    time.Duration

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Ledger
		LedgerType:  getEnv("DOCFLOW_LEDGER", "memory"), // "memory" or "redis"
		LedgerTTL:   getDuration("LEDGER_TTL", 30*24*time.Hour),
		EventMaxLen: getInt64("EVENT_MAX_LEN", 5000),

		// Engine
		StepTimeout:       getDuration("STEP_TIMEOUT", 60*time.Second),
		DefaultMaxRetries: getInt("STEP_MAX_RETRIES", 3),
		BackoffBase:       getDuration("STEP_BACKOFF_BASE", 2*time.Second),
		BackoffCap:        getDuration("STEP_BACKOFF_CAP", 60*time.Second),
		DefaultPauseTTL:   getDuration("PAUSE_TTL_DEFAULT", 72*time.Hour),
		LeaseTTL:          getDuration("LEASE_TTL", 5*time.Minute),

		// Artifact store
		ArtifactBucket:    getEnv("ARTIFACT_BUCKET", ""),
		ArtifactEndpoint:  getEnv("ARTIFACT_ENDPOINT", ""),
		ArtifactRegion:    getEnv("ARTIFACT_REGION", ""),
		ArtifactAccessKey: getEnv("ARTIFACT_ACCESS_KEY", ""),
		ArtifactSecretKey: getEnv("ARTIFACT_SECRET_KEY", ""),
		ArtifactUseSSL:    getBool("ARTIFACT_USE_SSL", false),
		ArtifactPrefix:    getEnv("ARTIFACT_PREFIX", "docflow"),
		SnapshotInlineMax: getInt("SNAPSHOT_INLINE_MAX", 64*1024),

		// Signal tokens
		SignalTokenSecret: getEnv("SIGNAL_TOKEN_SECRET", ""),
		SignalTokenTTL:    getDuration("SIGNAL_TOKEN_TTL", 72*time.Hour),

		// Tracing
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("TRACING_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 0.1),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
