package app

import (
	"os"
	"strconv"
	"time"
)

// Durable store kinds.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	BaseURL string // Required: identity service base URL, absolute or relative to Origin
	Origin  string // Optional: scheme://host a relative BaseURL is resolved against

	DurableStore  string // Optional: where remembered sessions live (sqlite, redis, memory) (default: sqlite)
	DatabaseFile  string // Optional: path to SQLite database file (default: ./authsession.db)
	RedisAddr     string // Optional: redis address for the redis store (default: localhost:6379)
	RedisPrefix   string // Optional: key prefix in redis (default: authsession:)
	MasterKey     string // Optional: key material for sealing durable values
	MasterKeyPath string // Optional: file holding the master key (wins over MasterKey)

	RefreshTimeout   time.Duration // Optional: bound on one refresh call (default: 30s)
	LoginInterval    time.Duration // Optional: minimum spacing of login attempts, 0 disables (default: 0)
	LoginBurst       int           // Optional: login attempts allowed back to back (default: 5)
	FingerprintDelay time.Duration // Optional: wait before deriving the device fingerprint (default: 0)

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)
}

func LoadConfig() Config {
	return Config{
		BaseURL:          os.Getenv("AUTH_BASE_URL"),
		Origin:           os.Getenv("AUTH_ORIGIN"),
		DurableStore:     getEnvOrDefault("AUTH_DURABLE_STORE", StoreSQLite),
		DatabaseFile:     getEnvOrDefault("AUTH_DATABASE_FILE", "authsession.db"),
		RedisAddr:        getEnvOrDefault("AUTH_REDIS_ADDR", "localhost:6379"),
		RedisPrefix:      getEnvOrDefault("AUTH_REDIS_PREFIX", "authsession:"),
		MasterKey:        os.Getenv("AUTH_MASTER_KEY"),
		MasterKeyPath:    os.Getenv("AUTH_MASTER_KEY_PATH"),
		RefreshTimeout:   getEnvDurationOrDefault("AUTH_REFRESH_TIMEOUT", 30*time.Second),
		LoginInterval:    getEnvDurationOrDefault("AUTH_LOGIN_INTERVAL", 0),
		LoginBurst:       getEnvIntOrDefault("AUTH_LOGIN_BURST", 5),
		FingerprintDelay: getEnvDurationOrDefault("AUTH_FINGERPRINT_DELAY", 0),
		Env:              getEnvOrDefault("ENV", "dev"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
