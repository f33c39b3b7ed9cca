package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/governor/internal/apikey"
)

// Config holds all configuration for the governor server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ChangeMgmt ChangeMgmtConfig
	Approval   ApprovalConfig
	Learning   LearningConfig
	Tracing    TracingConfig
	RateLimit  RateLimitConfig
	Auth       AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type ChangeMgmtConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type ApprovalConfig struct {
	// PolicyFile is a YAML rule file; empty means the built-in rules.
	PolicyFile      string
	LockTTL         time.Duration
	PendingCacheTTL time.Duration
}

type LearningConfig struct {
	MaxBoost      int
	PatternTTL    time.Duration
	SweepInterval time.Duration
}

type TracingConfig struct {
	Enabled bool
	Output  string
}

type RateLimitConfig struct {
	PerMinute int
}

type AuthConfig struct {
	// BootstrapAdminKey, when set, is installed as an admin key for the
	// default tenant if that tenant has no keys yet.
	BootstrapAdminKey string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GOVERNOR_PORT", 8080),
			Env:  envString("GOVERNOR_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		ChangeMgmt: ChangeMgmtConfig{
			BaseURL: os.Getenv("CHANGE_MGMT_BASE_URL"),
			Token:   os.Getenv("CHANGE_MGMT_TOKEN"),
			Timeout: envDuration("CHANGE_MGMT_TIMEOUT", 10*time.Second),
		},
		Approval: ApprovalConfig{
			PolicyFile:      os.Getenv("APPROVAL_POLICY_FILE"),
			LockTTL:         envDuration("APPROVAL_LOCK_TTL", 30*time.Second),
			PendingCacheTTL: envDuration("PENDING_CACHE_TTL", 30*time.Second),
		},
		Learning: LearningConfig{
			MaxBoost:      envInt("LEARNING_MAX_BOOST", 25),
			PatternTTL:    envDuration("LEARNING_PATTERN_TTL", 90*24*time.Hour),
			SweepInterval: envDuration("LEARNING_SWEEP_INTERVAL", 0),
		},
		Tracing: TracingConfig{
			Enabled: envBool("TRACING_ENABLED", false),
			Output:  envString("TRACING_OUTPUT", "stdout"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 100),
		},
		Auth: AuthConfig{
			BootstrapAdminKey: os.Getenv("GOVERNOR_BOOTSTRAP_ADMIN_KEY"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.ChangeMgmt.BaseURL == "" {
		return fmt.Errorf("CHANGE_MGMT_BASE_URL is required")
	}
	if !strings.HasPrefix(c.ChangeMgmt.BaseURL, "http://") && !strings.HasPrefix(c.ChangeMgmt.BaseURL, "https://") {
		return fmt.Errorf("CHANGE_MGMT_BASE_URL must start with http:// or https://, got %q", c.ChangeMgmt.BaseURL)
	}

	if c.Approval.LockTTL <= 0 {
		return fmt.Errorf("APPROVAL_LOCK_TTL must be positive, got %s", c.Approval.LockTTL)
	}
	// The approval lock is held across the change management call.
	if c.Approval.LockTTL <= c.ChangeMgmt.Timeout {
		return fmt.Errorf("APPROVAL_LOCK_TTL (%s) must exceed CHANGE_MGMT_TIMEOUT (%s)", c.Approval.LockTTL, c.ChangeMgmt.Timeout)
	}

	if c.Auth.BootstrapAdminKey != "" {
		if err := apikey.Validate(c.Auth.BootstrapAdminKey); err != nil {
			return fmt.Errorf("GOVERNOR_BOOTSTRAP_ADMIN_KEY: %w", err)
		}
	}

	if c.Learning.MaxBoost < 0 || c.Learning.MaxBoost > 100 {
		return fmt.Errorf("LEARNING_MAX_BOOST must be within 0..100, got %d", c.Learning.MaxBoost)
	}
	if c.Learning.PatternTTL <= 0 {
		return fmt.Errorf("LEARNING_PATTERN_TTL must be positive, got %s", c.Learning.PatternTTL)
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
