// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Addr     string
	LogLevel string

	// storage
	ReadingDBPath string
	OutboxDBPath  string
	PostgresURL   string // when set, the outbox uses postgres instead of sqlite

	// optional infrastructure
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
	OTLPEndpoint string

	// ledger
	LedgerAccount  string
	GasCeiling     uint64
	GasBuffer      float64
	MaxAttempts    int
	ConfirmTimeout time.Duration

	// telemetry
	ProfilePath string // optional yaml override for product profiles

	// rate limiting
	RateLimitRPS   int
	RateLimitBurst int
}

// Load reads configuration from the environment, with working defaults for
// a single-node deployment.
func Load() *Config {
	return &Config{
		Addr:           envOr("COLDTRACE_ADDR", ":8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		ReadingDBPath:  envOr("COLDTRACE_READING_DB", "coldtrace-readings.db"),
		OutboxDBPath:   envOr("COLDTRACE_OUTBOX_DB", "coldtrace-outbox.db"),
		PostgresURL:    os.Getenv("COLDTRACE_POSTGRES_URL"),
		RedisAddr:      os.Getenv("COLDTRACE_REDIS_ADDR"),
		KafkaBrokers:   splitList(os.Getenv("COLDTRACE_KAFKA_BROKERS")),
		KafkaTopic:     envOr("COLDTRACE_KAFKA_TOPIC", "coldtrace.readings"),
		KafkaGroupID:   envOr("COLDTRACE_KAFKA_GROUP", "coldtrace-core"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LedgerAccount:  envOr("COLDTRACE_LEDGER_ACCOUNT", "system"),
		GasCeiling:     envUint("COLDTRACE_GAS_CEILING", 500_000),
		GasBuffer:      envFloat("COLDTRACE_GAS_BUFFER", 1.2),
		MaxAttempts:    envInt("COLDTRACE_MAX_ATTEMPTS", 5),
		ConfirmTimeout: envDuration("COLDTRACE_CONFIRM_TIMEOUT", 120*time.Second),
		ProfilePath:    os.Getenv("COLDTRACE_PROFILE_PATH"),
		RateLimitRPS:   envInt("COLDTRACE_RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("COLDTRACE_RATE_LIMIT_BURST", 100),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
