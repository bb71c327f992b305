package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_USER", "reelboard")
	t.Setenv("DB_NAME", "reelboard")
	t.Setenv("CREDENTIALS_KEY", strings.Repeat("ab", 32))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.GatewayCacheTTL)
	assert.Equal(t, 20*time.Second, cfg.GatewayHTTPTimeout)
	assert.Equal(t, "0 3 * * *", cfg.SweepDailySpec)
	assert.Equal(t, "0 * * * *", cfg.SweepHourlySpec)
	assert.Equal(t, 7*24*time.Hour, cfg.TrialLength)
	assert.Zero(t, cfg.PendingPaymentTTL)
	assert.False(t, cfg.GatewaySingleActive)
	assert.False(t, cfg.SMTPEnabled())
	assert.Equal(t, "localhost:6379", cfg.Cache.Addr())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("GATEWAY_SINGLE_ACTIVE", "true")
	t.Setenv("GATEWAY_HTTP_TIMEOUT", "5s")
	t.Setenv("PENDING_PAYMENT_TTL", "2h")
	t.Setenv("PUBLIC_DOMAIN", "https://reelboard.example/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.GatewaySingleActive)
	assert.Equal(t, 5*time.Second, cfg.GatewayHTTPTimeout)
	assert.Equal(t, 2*time.Hour, cfg.PendingPaymentTTL)
	assert.Equal(t, "https://reelboard.example", cfg.PublicDomain)
}

func TestLoadRejectsBadCredentialsKey(t *testing.T) {
	setRequired(t)
	t.Setenv("CREDENTIALS_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CredentialsKey")
}
