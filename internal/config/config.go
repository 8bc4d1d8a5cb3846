package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret     string
	JWTExpiration time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Matchmaking
	SearchTimeout      time.Duration // how long a search waits before giving up
	TimeoutReset       time.Duration // grace window before a timed-out search returns to idle
	PollInterval       time.Duration // passive-wait poll cadence
	CandidateLimit     int           // oldest queue entries fetched per pairing attempt
	StaleSessionWindow time.Duration // sessions older than this never count as a fresh match

	// Presence
	PresenceTTL time.Duration

	// Queue janitor
	JanitorInterval time.Duration
	QueueExpiry     time.Duration
}

func Load() (*Config, error) {
	// Load .env if present
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:          getEnv("JWT_SECRET", "your-secret-key"),
		JWTExpiration:      parseDuration(getEnv("JWT_EXPIRATION", "24h"), 24*time.Hour),
		CORSAllowedOrigins: strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"), ","),
		SearchTimeout:      parseDuration(getEnv("SEARCH_TIMEOUT", "30s"), 30*time.Second),
		TimeoutReset:       parseDuration(getEnv("SEARCH_TIMEOUT_RESET", "15s"), 15*time.Second),
		PollInterval:       parseDuration(getEnv("SEARCH_POLL_INTERVAL", "2500ms"), 2500*time.Millisecond),
		CandidateLimit:     parseInt(getEnv("SEARCH_CANDIDATE_LIMIT", "10"), 10),
		StaleSessionWindow: parseDuration(getEnv("STALE_SESSION_WINDOW", "2m"), 2*time.Minute),
		PresenceTTL:        parseDuration(getEnv("PRESENCE_TTL", "30s"), 30*time.Second),
		JanitorInterval:    parseDuration(getEnv("JANITOR_INTERVAL", "60s"), time.Minute),
		QueueExpiry:        parseDuration(getEnv("QUEUE_EXPIRY", "24h"), 24*time.Hour),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}
