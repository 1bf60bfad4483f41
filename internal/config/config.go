package config

import (
	"os"
	"strconv"
	"time"

	"github.com/olivelliott/realtime-pm/internal/models"
)

// Config carries the environment-driven settings shared by the binaries.
// Connection strings left empty disable the corresponding integration.
type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string

	JWTSecret    string
	AuthRequired bool

	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
}

// Load reads configuration from the environment. Call godotenv.Load first in
// main so a local .env is visible here.
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8081"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AuthRequired:      getEnvBool("AUTH_REQUIRED", false),
		HeartbeatInterval: getEnvMS("HEARTBEAT_INTERVAL_MS", models.DefaultHeartbeatIntervalMS),
		PresenceTTL:       getEnvMS("PRESENCE_TTL_MS", models.DefaultPresenceTTLMS),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvMS(key string, fallbackMS int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(fallbackMS) * time.Millisecond
}
