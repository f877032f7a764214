package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProviderConfig holds OAuth credentials and endpoint overrides for one
// third-party fitness provider
type ProviderConfig struct {
	ClientID     string
	ClientSecret string

	// Endpoints (defaults are the production provider URLs)
	AuthURL  string
	TokenURL string
	APIURL   string

	// WebhookSecret is used for signature checks where the provider supports them.
	// For Strava it is the hub.verify_token.
	WebhookSecret string
}

// Configured reports whether the provider has usable client credentials
func (p *ProviderConfig) Configured() bool {
	return p != nil && p.ClientID != "" && p.ClientSecret != ""
}

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host      string
	Port      int
	PublicURL string

	// Database configuration
	DatabasePath string

	// Provider configuration, keyed by provider name (garmin, whoop, strava)
	Providers map[string]*ProviderConfig

	// Internal API configuration
	InternalAPIKey string

	// Token refresh configuration
	TokenSkewWindow      time.Duration
	RefreshStaleAfter    time.Duration
	RefreshSweepInterval time.Duration
	RefreshMode          string // memory, distributed

	// Lock configuration
	LockStoreURL string
	LockTTL      time.Duration

	// Backfill configuration
	BackfillChunkDays int
	BackfillMinYear   int

	// Worker configuration
	WorkerConcurrency int
	QueueBackend      string // sqlite, asynq
	RedisAddr         string
	ImportIdleTimeout time.Duration

	// Rate limit circuit breaker
	RateLimitCooldown             time.Duration
	RateLimitCircuitRecoveryCount int

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
// It fails fast if required variables are missing
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := &Config{
		// Optional values with defaults
		Host:         getEnv("HOST", "localhost"),
		Port:         getEnvInt("PORT", 4101),
		DatabasePath: getEnv("DATABASE_PATH", "./data.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		TokenSkewWindow:      getEnvDuration("TOKEN_SKEW_WINDOW", 5*time.Minute),
		RefreshStaleAfter:    getEnvDuration("REFRESH_STALE_AFTER", 30*time.Second),
		RefreshSweepInterval: getEnvDuration("REFRESH_SWEEP_INTERVAL", time.Minute),
		RefreshMode:          strings.ToLower(getEnv("REFRESH_MODE", "memory")),

		LockStoreURL: getEnv("LOCK_STORE_URL", ""),
		LockTTL:      getEnvDuration("LOCK_TTL", 15*time.Minute),

		BackfillChunkDays: getEnvInt("BACKFILL_CHUNK_DAYS", 30),
		BackfillMinYear:   getEnvInt("BACKFILL_MIN_YEAR", 2000),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", "sqlite")),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		ImportIdleTimeout: getEnvDuration("IMPORT_IDLE_TIMEOUT", 30*time.Minute),

		RateLimitCooldown:             getEnvDuration("RATE_LIMIT_COOLDOWN", 15*time.Minute),
		RateLimitCircuitRecoveryCount: getEnvInt("RATE_LIMIT_CIRCUIT_RECOVERY_COUNT", 3),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsHost:    getEnv("METRICS_HOST", "localhost"),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),
	}
	cfg.PublicURL = strings.TrimSuffix(getEnv("PUBLIC_URL", fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)), "/")

	cfg.Providers = map[string]*ProviderConfig{
		"garmin": {
			ClientID:     os.Getenv("GARMIN_CLIENT_ID"),
			ClientSecret: os.Getenv("GARMIN_CLIENT_SECRET"),
			AuthURL:      getEnv("GARMIN_AUTH_URL", "https://connect.garmin.com/oauth2Confirm"),
			TokenURL:     getEnv("GARMIN_TOKEN_URL", "https://diauth.garmin.com/di-oauth2-service/oauth/token"),
			APIURL:       getEnv("GARMIN_API_URL", "https://apis.garmin.com/wellness-api/rest"),
		},
		"whoop": {
			ClientID:      os.Getenv("WHOOP_CLIENT_ID"),
			ClientSecret:  os.Getenv("WHOOP_CLIENT_SECRET"),
			AuthURL:       getEnv("WHOOP_AUTH_URL", "https://api.prod.whoop.com/oauth/oauth2/auth"),
			TokenURL:      getEnv("WHOOP_TOKEN_URL", "https://api.prod.whoop.com/oauth/oauth2/token"),
			APIURL:        getEnv("WHOOP_API_URL", "https://api.prod.whoop.com/developer"),
			WebhookSecret: os.Getenv("WHOOP_WEBHOOK_SECRET"),
		},
		"strava": {
			ClientID:      os.Getenv("STRAVA_CLIENT_ID"),
			ClientSecret:  os.Getenv("STRAVA_CLIENT_SECRET"),
			AuthURL:       getEnv("STRAVA_AUTH_URL", "https://www.strava.com/oauth/authorize"),
			TokenURL:      getEnv("STRAVA_TOKEN_URL", "https://www.strava.com/oauth/token"),
			APIURL:        getEnv("STRAVA_API_URL", "https://www.strava.com/api/v3"),
			WebhookSecret: os.Getenv("STRAVA_VERIFY_TOKEN"),
		},
	}

	// Required values
	var missingVars []string

	cfg.InternalAPIKey = os.Getenv("INTERNAL_API_KEY")
	if cfg.InternalAPIKey == "" {
		missingVars = append(missingVars, "INTERNAL_API_KEY")
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.RefreshMode {
	case "memory", "distributed":
	default:
		return fmt.Errorf("invalid REFRESH_MODE %q (expected memory or distributed)", c.RefreshMode)
	}
	switch c.QueueBackend {
	case "sqlite", "asynq":
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q (expected sqlite or asynq)", c.QueueBackend)
	}
	if c.BackfillChunkDays < 1 {
		return fmt.Errorf("BACKFILL_CHUNK_DAYS must be positive, got %d", c.BackfillChunkDays)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	return nil
}

// GetProvider returns the configuration for a provider, or an error if the
// provider is unknown
func (c *Config) GetProvider(name string) (*ProviderConfig, error) {
	p, ok := c.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// ConfiguredProviders returns the sorted names of providers with credentials
func (c *Config) ConfiguredProviders() []string {
	var names []string
	for name, p := range c.Providers {
		if p.Configured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration accepts Go duration strings ("90s", "15m")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}

	return value
}
