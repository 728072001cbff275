package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. LICENSED_PORT.
const Prefix = "LICENSED"

type Config struct {
	Port string `envconfig:"PORT" default:"8080" validate:"required,numeric"`

	DatabaseURL string `envconfig:"DATABASE_URL" validate:"required"`
	AdminToken  string `envconfig:"ADMIN_TOKEN"`

	StripeSecret        string `envconfig:"STRIPE_SECRET"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	SentryDSN string `envconfig:"SENTRY_DSN"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json console"`

	RateLimit     int           `envconfig:"RATE_LIMIT" default:"60" validate:"gte=0"`
	RateWindow    time.Duration `envconfig:"RATE_WINDOW" default:"1m" validate:"gt=0"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h" validate:"gt=0"`
	CORSOrigins   []string      `envconfig:"CORS_ORIGINS" default:"*"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     string `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	EmailFrom    string `envconfig:"EMAIL_FROM" default:"licenses@crmlicense.app" validate:"omitempty,email"`
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPUsername != "" && c.SMTPPassword != ""
}

// StripeEnabled reports whether the checkout webhook can verify signatures.
func (c *Config) StripeEnabled() bool {
	return c.StripeWebhookSecret != ""
}

// ClientConfig configures the enforcement side embedded in the product.
type ClientConfig struct {
	ServerURL     string        `envconfig:"SERVER_URL" validate:"required,url"`
	SiteDomain    string        `envconfig:"SITE_DOMAIN"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"15s"`
	CheckInterval time.Duration `envconfig:"CHECK_INTERVAL" default:"4h" validate:"gt=0"`
	StateFile     string        `envconfig:"STATE_FILE" default:"license-state.json"`
	AuditFile     string        `envconfig:"AUDIT_FILE"`
	AuditSize     int           `envconfig:"AUDIT_SIZE" default:"100" validate:"gt=0"`
	Bypass        bool          `envconfig:"BYPASS" default:"false"`
}

var validate = validator.New()

// New loads the server configuration from .env (when present) and the
// environment.
func New() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.StripeWebhookSecret != "" && cfg.StripeSecret == "" {
		return nil, errors.New(Prefix + "_STRIPE_SECRET is required when the webhook secret is set")
	}

	return &cfg, nil
}

func NewClient() (*ClientConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config from env: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("client config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv reads .env from the working directory; a missing file is fine.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}
