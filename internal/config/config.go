package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`
	Env  string `env:"ENV" envDefault:"development"`

	// Storage
	DataDir        string `env:"DATA_DIR" envDefault:"./data"`
	ThreadMaxBytes int64  `env:"THREAD_MAX_BYTES" envDefault:"1048576"`

	// Admin credential, accepted as a bearer token or ?auth= query param
	AdminToken string `env:"ADMIN_TOKEN"`

	// Push connections
	PingInterval  time.Duration `env:"PING_INTERVAL" envDefault:"15s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`

	// LLM rate limiting
	ThinkPerVID        int           `env:"THINK_PER_VID" envDefault:"10"`
	ThinkPerIP         int           `env:"THINK_PER_IP" envDefault:"30"`
	ThinkDailyLimit    int           `env:"THINK_DAILY_LIMIT" envDefault:"1000"`
	ThinkWindow        time.Duration `env:"THINK_WINDOW" envDefault:"60s"`
	ThinkPruneInterval time.Duration `env:"THINK_PRUNE_INTERVAL" envDefault:"5m"`
	RateLimitBackend   string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"` // "memory" or "redis"
	RedisURL           string        `env:"REDIS_URL"`

	// Feedback rate limiting
	FeedbackPerIP      int           `env:"FEEDBACK_PER_IP" envDefault:"10"`
	FeedbackWindow     time.Duration `env:"FEEDBACK_WINDOW" envDefault:"1h"`
	RateLimitWhitelist []string      `env:"RATE_LIMIT_WHITELIST" envSeparator:","` // IPs or CIDRs exempt from rate limiting

	// LLM downstream
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	LLMTimeout    time.Duration `env:"LLM_TIMEOUT" envDefault:"10s"`

	// Notifications
	NtfyServer         string `env:"NTFY_SERVER" envDefault:"https://ntfy.sh"`
	NtfyTopic          string `env:"NTFY_TOPIC"`
	TwilioAccountSID   string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `env:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingSID string `env:"TWILIO_MESSAGING_SID"`
	TwilioToPhone      string `env:"TWILIO_TO_PHONE"`
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg, err := Parse()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Parse reads and validates configuration from the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	whitelist := cfg.RateLimitWhitelist[:0]
	for _, entry := range cfg.RateLimitWhitelist {
		if entry = strings.TrimSpace(entry); entry != "" {
			whitelist = append(whitelist, entry)
		}
	}
	cfg.RateLimitWhitelist = whitelist

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	// In production, require the admin credential
	if c.Env == "production" && c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ThreadsDir is where per-visitor logs live.
func (c *Config) ThreadsDir() string {
	return filepath.Join(c.DataDir, "threads")
}

// BlockedDir is where block-list sentinel files live.
func (c *Config) BlockedDir() string {
	return filepath.Join(c.DataDir, "blocked")
}
