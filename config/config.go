// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// User store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// DefaultGoogleJWKSURL is Google's published signing key set
const DefaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// Config holds the process configuration. It is read once at start
// and treated as immutable.
type Config struct {
	// HTTP
	HTTPAddr string

	// Session
	SessionSecret string
	SessionTTL    time.Duration
	SessionIssuer string

	// Google
	GoogleClientID      string
	GoogleJWKSURL       string
	JWKSCacheTTL        time.Duration
	JWKSRefreshInterval time.Duration
	JWKSFetchTimeout    time.Duration

	// Storage
	UserStore   string
	RedisURL    string
	DatabaseURL string

	// Events
	EventsEnabled bool
	EventsTopic   string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads Config from environment variables. Every missing
// required variable is reported in a single error.
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.UserStore = strings.ToLower(getEnvString("USER_STORE", StoreMemory))
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.EventsEnabled = getEnvBool("EVENTS_ENABLED", false)

	switch cfg.UserStore {
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported USER_STORE %q", cfg.UserStore)
	}

	if cfg.EventsEnabled && cfg.RedisURL == "" && cfg.UserStore != StoreRedis {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	var invalid []string
	duration := func(key string, defaultVal time.Duration) time.Duration {
		d, err := getEnvDuration(key, defaultVal)
		if err != nil {
			invalid = append(invalid, key)
		}
		return d
	}

	cfg.HTTPAddr = getEnvString("HTTP_ADDR", ":9000")
	cfg.SessionTTL = duration("SESSION_TTL", time.Hour)
	cfg.SessionIssuer = getEnvString("SESSION_ISSUER", "cellar")
	cfg.GoogleJWKSURL = getEnvString("GOOGLE_JWKS_URL", DefaultGoogleJWKSURL)
	cfg.JWKSCacheTTL = duration("JWKS_CACHE_TTL", time.Hour)
	cfg.JWKSRefreshInterval = duration("JWKS_REFRESH_INTERVAL", time.Minute)
	cfg.JWKSFetchTimeout = duration("JWKS_FETCH_TIMEOUT", 5*time.Second)
	cfg.EventsTopic = getEnvString("EVENTS_TOPIC", "cellar.auth")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFormat = getEnvString("LOG_FORMAT", "json")

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid duration in environment variables: %v", invalid)
	}

	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL must be positive, got %s", cfg.SessionTTL)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
