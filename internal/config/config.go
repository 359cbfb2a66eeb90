// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once at startup by the entry points.
type Config struct {
	StateTable  string
	ParamPrefix string

	SupabaseURL     string
	SupabaseAnonKey string

	AnthropicBaseURL string
	StandardModel    string
	PremiumModel     string
	ModelTimeout     time.Duration

	BillingBaseURL string
	EntitlementID  string

	FreeDailyLimit       int
	FreeCustomCoachLimit int
	MaxContextTurns      int
	MaxMessageLen        int

	RateLimitPerSecond float64
	RateLimitBurst     int

	LocalAddr string

	// Static secrets bypass Parameter Store. Used for local runs.
	AnthropicAPIKey   string
	SupabaseJWTSecret string
	RevenueCatAPIKey  string
}

// Load reads the process environment.
func Load() (*Config, error) {
	return FromLookup(os.Getenv)
}

// FromLookup builds a validated Config from getenv.
func FromLookup(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}
	cfg := &Config{
		StateTable:           e.stringOr("STATE_TABLE", ""),
		ParamPrefix:          strings.TrimRight(e.stringOr("PARAM_PREFIX", ""), "/"),
		SupabaseURL:          e.stringOr("SUPABASE_URL", ""),
		SupabaseAnonKey:      e.stringOr("SUPABASE_ANON_KEY", ""),
		AnthropicBaseURL:     e.stringOr("ANTHROPIC_BASE_URL", ""),
		StandardModel:        e.stringOr("STANDARD_MODEL", "claude-3-5-haiku-20241022"),
		PremiumModel:         e.stringOr("PREMIUM_MODEL", "claude-3-5-sonnet-20241022"),
		ModelTimeout:         e.durationOr("MODEL_TIMEOUT", 30*time.Second),
		BillingBaseURL:       e.stringOr("REVENUECAT_BASE_URL", ""),
		EntitlementID:        e.stringOr("ENTITLEMENT_ID", "pro"),
		FreeDailyLimit:       e.intOr("FREE_DAILY_LIMIT", 10),
		FreeCustomCoachLimit: e.intOr("FREE_CUSTOM_COACH_LIMIT", 1),
		MaxContextTurns:      e.intOr("MAX_CONTEXT_TURNS", 20),
		MaxMessageLen:        e.intOr("MAX_MESSAGE_LENGTH", 4000),
		RateLimitPerSecond:   e.floatOr("RATE_LIMIT_PER_SECOND", 1),
		RateLimitBurst:       e.intOr("RATE_LIMIT_BURST", 5),
		LocalAddr:            e.stringOr("LOCAL_ADDR", ":8080"),
		AnthropicAPIKey:      e.stringOr("ANTHROPIC_API_KEY", ""),
		SupabaseJWTSecret:    e.stringOr("SUPABASE_JWT_SECRET", ""),
		RevenueCatAPIKey:     e.stringOr("REVENUECAT_API_KEY", ""),
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and consistent.
func (c *Config) Validate() error {
	var errs []string
	if c.StateTable == "" {
		errs = append(errs, "STATE_TABLE is required")
	}
	if c.SupabaseURL == "" {
		errs = append(errs, "SUPABASE_URL is required")
	}
	if c.ParamPrefix == "" && (c.AnthropicAPIKey == "" || c.RevenueCatAPIKey == "") {
		errs = append(errs, "PARAM_PREFIX is required unless ANTHROPIC_API_KEY and REVENUECAT_API_KEY are set")
	}
	if c.StandardModel == "" {
		errs = append(errs, "STANDARD_MODEL must not be empty")
	}
	if c.ModelTimeout <= 0 {
		errs = append(errs, "MODEL_TIMEOUT must be positive")
	}
	if c.FreeDailyLimit <= 0 {
		errs = append(errs, "FREE_DAILY_LIMIT must be positive")
	}
	if c.FreeCustomCoachLimit <= 0 {
		errs = append(errs, "FREE_CUSTOM_COACH_LIMIT must be positive")
	}
	if c.MaxContextTurns <= 0 {
		errs = append(errs, "MAX_CONTEXT_TURNS must be positive")
	}
	if c.MaxMessageLen <= 0 {
		errs = append(errs, "MAX_MESSAGE_LENGTH must be positive")
	}
	if c.RateLimitPerSecond < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, "rate limit settings must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParamName returns the Parameter Store name of a secret under ParamPrefix.
func (c *Config) ParamName(secret string) string {
	return c.ParamPrefix + "/" + strings.TrimLeft(secret, "/")
}

// ThrottleEnabled reports whether per-caller rate limiting is on.
func (c *Config) ThrottleEnabled() bool {
	return c.RateLimitPerSecond > 0 && c.RateLimitBurst > 0
}

type env struct {
	getenv func(string) string
	errs   []string
}

func (e *env) stringOr(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) intOr(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) floatOr(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *env) durationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
