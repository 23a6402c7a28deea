package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-driven knob for both the API process and
// the dispatcher process; each binary loads the whole struct and ignores
// the fields it doesn't need.
type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	BaseURL      string        `envconfig:"BASE_URL" default:"http://localhost:8080"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// NATS
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Phone normalization
	DefaultCountryCode string `envconfig:"DEFAULT_COUNTRY_CODE" default:"FR"`

	// Carrier
	CarrierSenderID string `envconfig:"CARRIER_SENDER_ID" default:"SMS-PLATFORM"`
	WebhookSecret   string `envconfig:"WEBHOOK_HMAC_SECRET" default:"dev-secret"`

	// Dispatcher
	SMSRateLimit        int           `envconfig:"SMS_RATE_LIMIT" default:"100"`
	RetryBackoffBase    time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"1m"`
	DispatchInterval    time.Duration `envconfig:"DISPATCH_INTERVAL" default:"5s"`
	DispatchConcurrency int           `envconfig:"DISPATCH_CONCURRENCY" default:"8"`

	// Poller
	PollerInterval time.Duration `envconfig:"POLLER_INTERVAL" default:"30s"`

	// Reaper
	LeaseTimeoutSeconds int           `envconfig:"LEASE_TIMEOUT_SECONDS" default:"300"`
	ReaperInterval      time.Duration `envconfig:"REAPER_INTERVAL" default:"60s"`

	// Retention
	MessageRetentionDays int `envconfig:"MESSAGE_RETENTION_DAYS" default:"30"`

	// Rate limiting (mutating queue API endpoints)
	APIRateLimitRPS   int `envconfig:"API_RATE_LIMIT_RPS" default:"20"`
	APIRateLimitBurst int `envconfig:"API_RATE_LIMIT_BURST" default:"40"`

	// Auth (operator API key guarding cancel/retry/cleanup)
	APIKeyHash string `envconfig:"API_KEY_HASH" required:"true"`

	// Receipt ingestion dedup (webhook-replay cache)
	WebhookDedupTTL time.Duration `envconfig:"WEBHOOK_DEDUP_TTL" default:"24h"`

	// Migrations
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
