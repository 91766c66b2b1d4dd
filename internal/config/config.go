// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// devTokenSecret is only accepted when running in development mode.
const devTokenSecret = "logen-dev-secret-do-not-use-in-production"

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	SiteConfigDir     string
	GeneratedSitesDir string
	SiteIDMaxLength   int
	WatchSiteDirs     bool
	LogLevel          slog.Level
	Auth              AuthConfig
	Queue             QueueConfig
	Retry             RetryConfig
	Timeout           TimeoutConfig
	MaxRequestBody    int64
}

// AuthConfig controls bearer token signing.
type AuthConfig struct {
	TokenSecret   string
	TokenTTL      time.Duration
	RefreshWindow time.Duration
}

// QueueConfig controls the AI request queue background behavior.
type QueueConfig struct {
	ClaimTimeout      time.Duration // 0 disables reclaiming
	ReclaimInterval   time.Duration
	ReclaimBatch      int
	WatchPollInterval time.Duration
}

// RetryConfig controls in-process retries of SQLite busy errors.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// TimeoutConfig holds request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/logen.db"),
		SiteConfigDir:     getEnv("SITE_CONFIG_DIR", "./data/site-configs"),
		GeneratedSitesDir: getEnv("GENERATED_SITES_DIR", "./data/generated-sites"),
		SiteIDMaxLength:   getEnvInt("SITE_ID_MAX_LENGTH", 30),
		WatchSiteDirs:     getEnvBool("WATCH_SITE_DIRS", true),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Auth: AuthConfig{
			TokenSecret:   getEnv("AUTH_TOKEN_SECRET", ""),
			TokenTTL:      getEnvDuration("AUTH_TOKEN_TTL", time.Hour),
			RefreshWindow: getEnvDuration("AUTH_REFRESH_WINDOW", 7*24*time.Hour),
		},
		Queue: QueueConfig{
			ClaimTimeout:      getEnvDuration("QUEUE_CLAIM_TIMEOUT", 30*time.Minute),
			ReclaimInterval:   getEnvDuration("QUEUE_RECLAIM_INTERVAL", time.Minute),
			ReclaimBatch:      getEnvInt("QUEUE_RECLAIM_BATCH", 100),
			WatchPollInterval: getEnvDuration("WATCH_POLL_INTERVAL", 2*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	if cfg.Auth.TokenSecret == "" && cfg.IsDevelopment() {
		slog.Warn("AUTH_TOKEN_SECRET not set, using development secret")
		cfg.Auth.TokenSecret = devTokenSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SiteConfigDir == "" {
		return fmt.Errorf("SITE_CONFIG_DIR cannot be empty")
	}
	if c.GeneratedSitesDir == "" {
		return fmt.Errorf("GENERATED_SITES_DIR cannot be empty")
	}
	if c.SiteIDMaxLength < 8 {
		return fmt.Errorf("SITE_ID_MAX_LENGTH must be >= 8")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("AUTH_TOKEN_SECRET cannot be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL must be > 0")
	}
	if c.Auth.RefreshWindow < 0 {
		return fmt.Errorf("AUTH_REFRESH_WINDOW must be >= 0")
	}
	if c.Queue.ClaimTimeout < 0 {
		return fmt.Errorf("QUEUE_CLAIM_TIMEOUT must be >= 0")
	}
	if c.Queue.ClaimTimeout > 0 && c.Queue.ReclaimInterval <= 0 {
		return fmt.Errorf("QUEUE_RECLAIM_INTERVAL must be > 0 when reclaiming is enabled")
	}
	if c.Queue.ReclaimBatch <= 0 {
		return fmt.Errorf("QUEUE_RECLAIM_BATCH must be > 0")
	}
	if c.Queue.WatchPollInterval <= 0 {
		return fmt.Errorf("WATCH_POLL_INTERVAL must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the wizard frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() || c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
