package config

import (
	"os"
	"strconv"
	"time"
)

// Overdraw policies for drained credit balances.
const (
	OverdrawSoft = "soft"
	OverdrawHard = "hard"
)

type Config struct {
	// Server
	Host string
	Port int

	// Redis. When unreachable at startup the process falls back to the
	// in-memory store (single-instance degraded mode).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Security
	EncryptionKey string
	JWTSecret     string

	// Admin
	AdminUsername string
	AdminPassword string

	// Upstream providers
	ClaudeAPIURL       string
	ClaudeAPIVersion   string
	ClaudeBetaHeader   string
	ClaudeOAuthURL     string
	ClaudeClientID     string
	GeminiAPIURL       string
	GeminiOAuthURL     string
	GeminiClientID     string
	GeminiClientSecret string
	BedrockAPIURL      string

	// Pricing table override (JSON, per provider/model class)
	PricingJSON string

	// Usage event log
	UsageDBPath string

	// Scheduling
	StickySessionTTL  time.Duration
	TokenRefreshSkew  time.Duration
	RefreshLockTTL    time.Duration
	RefreshWaitMax    time.Duration
	RateLimitCooldown time.Duration

	// Relay
	RequestTimeout   time.Duration
	StreamTimeout    time.Duration
	IdleReadTimeout  time.Duration
	MaxRequestBodyMB int
	MaxRetries       int
	RetryBackoffBase time.Duration

	// Accounting
	InflightSlotGrace time.Duration
	OverdrawPolicy    string // OverdrawSoft or OverdrawHard

	// Usage queue
	UsageQueueSize int
	UsageDrainWait time.Duration

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		JWTSecret:     os.Getenv("JWT_SECRET"),

		AdminUsername: envOr("ADMIN_USERNAME", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		ClaudeAPIURL:       envOr("CLAUDE_API_URL", "https://api.anthropic.com"),
		ClaudeAPIVersion:   envOr("CLAUDE_API_VERSION", "2023-06-01"),
		ClaudeBetaHeader:   envOr("CLAUDE_BETA_HEADER", "oauth-2025-04-20"),
		ClaudeOAuthURL:     envOr("CLAUDE_OAUTH_URL", "https://console.anthropic.com/v1/oauth/token"),
		ClaudeClientID:     envOr("CLAUDE_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		GeminiAPIURL:       envOr("GEMINI_API_URL", "https://generativelanguage.googleapis.com"),
		GeminiOAuthURL:     envOr("GEMINI_OAUTH_URL", "https://oauth2.googleapis.com/token"),
		GeminiClientID:     envOr("GEMINI_CLIENT_ID", ""),
		GeminiClientSecret: envOr("GEMINI_CLIENT_SECRET", ""),
		BedrockAPIURL:      envOr("BEDROCK_API_URL", ""),

		PricingJSON: os.Getenv("PRICING_TABLE_JSON"),

		UsageDBPath: envOr("USAGE_DB_PATH", "data/usage.db"),

		StickySessionTTL:  envDuration("STICKY_SESSION_TTL", time.Hour),
		TokenRefreshSkew:  envDuration("TOKEN_REFRESH_SKEW", 10*time.Second),
		RefreshLockTTL:    envDuration("REFRESH_LOCK_TTL", 60*time.Second),
		RefreshWaitMax:    envDuration("REFRESH_WAIT_MAX", 5*time.Second),
		RateLimitCooldown: envDuration("RATE_LIMIT_COOLDOWN", 60*time.Second),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 300*time.Second),
		StreamTimeout:    envDuration("STREAM_TIMEOUT", 600*time.Second),
		IdleReadTimeout:  envDuration("IDLE_READ_TIMEOUT", 60*time.Second),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 10),
		MaxRetries:       envInt("MAX_RETRIES", 3),
		RetryBackoffBase: envDuration("RETRY_BACKOFF_BASE", time.Second),

		InflightSlotGrace: envDuration("INFLIGHT_SLOT_GRACE", 30*time.Second),
		OverdrawPolicy:    envOr("OVERDRAW_POLICY", OverdrawSoft),

		UsageQueueSize: envInt("USAGE_QUEUE_SIZE", 10000),
		UsageDrainWait: envDuration("USAGE_DRAIN_WAIT", 10*time.Second),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if len(c.EncryptionKey) < 32 {
		return errInvalid("ENCRYPTION_KEY", "must be at least 32 bytes")
	}
	if c.JWTSecret == "" {
		return errInvalid("JWT_SECRET", "required")
	}
	if c.AdminPassword == "" {
		return errInvalid("ADMIN_PASSWORD", "required")
	}
	if c.OverdrawPolicy != OverdrawSoft && c.OverdrawPolicy != OverdrawHard {
		return errInvalid("OVERDRAW_POLICY", "must be soft or hard")
	}
	return nil
}

type configError struct{ field, reason string }

func (e *configError) Error() string { return "config " + e.field + ": " + e.reason }

func errInvalid(field, reason string) error { return &configError{field: field, reason: reason} }

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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
