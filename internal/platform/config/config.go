package config

import (
	"os"
	"strings"
	"time"
)

// Config captures process-level configuration. Every field has a development
// default so the server starts with in-memory collaborators and no flags.
type Config struct {
	Addr    string
	BaseURL string

	// Optional external collaborators. Empty values select in-memory or
	// log-based implementations.
	RedisURL     string
	PostgresDSN  string
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Endpoint   string

	LinkSigningKey string
	LinkTTL        time.Duration

	OTPTTL         time.Duration
	ResendInterval time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:           envOr("COUNTERSIGN_ADDR", ":8080"),
		BaseURL:        envOr("COUNTERSIGN_BASE_URL", "http://localhost:8080"),
		RedisURL:       os.Getenv("COUNTERSIGN_REDIS_URL"),
		PostgresDSN:    os.Getenv("COUNTERSIGN_POSTGRES_DSN"),
		KafkaTopic:     envOr("COUNTERSIGN_KAFKA_TOPIC", "countersign.notifications"),
		S3Bucket:       os.Getenv("COUNTERSIGN_S3_BUCKET"),
		S3Endpoint:     os.Getenv("COUNTERSIGN_S3_ENDPOINT"),
		LinkSigningKey: envOr("COUNTERSIGN_LINK_KEY", "dev-secret-key-change-in-production"),
		LinkTTL:        durationOr("COUNTERSIGN_LINK_TTL", 72*time.Hour),
		OTPTTL:         durationOr("COUNTERSIGN_OTP_TTL", 5*time.Minute),
		ResendInterval: durationOr("COUNTERSIGN_RESEND_INTERVAL", time.Minute),
	}
	if brokers := os.Getenv("COUNTERSIGN_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
