package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv("LICENSED_DATABASE_URL", "licenses.db")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.EmailEnabled())
	assert.False(t, cfg.StripeEnabled())
}

func TestNew_RequiresDatabase(t *testing.T) {
	t.Setenv("LICENSED_DATABASE_URL", "")

	_, err := New()
	assert.Error(t, err)
}

func TestNew_Overrides(t *testing.T) {
	t.Setenv("LICENSED_DATABASE_URL", "licenses.db")
	t.Setenv("LICENSED_PORT", "9090")
	t.Setenv("LICENSED_RATE_LIMIT", "10")
	t.Setenv("LICENSED_RATE_WINDOW", "30s")
	t.Setenv("LICENSED_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LICENSED_SMTP_HOST", "smtp.example.com")
	t.Setenv("LICENSED_SMTP_USERNAME", "mailer")
	t.Setenv("LICENSED_SMTP_PASSWORD", "secret")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.RateWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.EmailEnabled())
}

func TestNew_WebhookNeedsStripeSecret(t *testing.T) {
	t.Setenv("LICENSED_DATABASE_URL", "licenses.db")
	t.Setenv("LICENSED_STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("LICENSED_STRIPE_SECRET", "")

	_, err := New()
	assert.Error(t, err)
}

func TestNew_RejectsBadLogFormat(t *testing.T) {
	t.Setenv("LICENSED_DATABASE_URL", "licenses.db")
	t.Setenv("LICENSED_LOG_FORMAT", "xml")

	_, err := New()
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	t.Setenv("LICENSED_SERVER_URL", "https://licenses.example.com")
	t.Setenv("LICENSED_CHECK_INTERVAL", "12h")

	cfg, err := NewClient()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 12*time.Hour, cfg.CheckInterval)
	assert.Equal(t, 100, cfg.AuditSize)
	assert.False(t, cfg.Bypass)
}

func TestNewClient_RequiresServerURL(t *testing.T) {
	t.Setenv("LICENSED_SERVER_URL", "not a url")

	_, err := NewClient()
	assert.Error(t, err)
}
