package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("WEBHOOK_HMAC_KEY", "webhook-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "transfer.events", cfg.NotifyExchange)
	assert.Equal(t, "transfer-core", cfg.JWTIssuer)
	assert.Equal(t, 5*time.Minute, cfg.RateLockTTL)
	assert.Equal(t, "@every 15m", cfg.MonitorSchedule)
	assert.Equal(t, int32(100), cfg.MonitorBatchSize)
	assert.Equal(t, 10*time.Second, cfg.SettlementInterval)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.WebhookSkipSignature)
	assert.Empty(t, cfg.RatesBaseURL)
	assert.Empty(t, cfg.DirectoryBaseURL)
	assert.Equal(t, 10*time.Second, cfg.RatesTimeout)
	assert.Equal(t, 10*time.Second, cfg.DirectoryTimeout)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9999")
	t.Setenv("RATE_LOCK_TTL", "90s")
	t.Setenv("MONITOR_SCHEDULE", "@every 1m")
	t.Setenv("SETTLEMENT_BATCH_SIZE", "25")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATES_BASE_URL", "http://rates.internal:8081")
	t.Setenv("DIRECTORY_BASE_URL", "http://directory.internal:8082")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.HTTPPort)
	assert.Equal(t, 90*time.Second, cfg.RateLockTTL)
	assert.Equal(t, "@every 1m", cfg.MonitorSchedule)
	assert.Equal(t, int32(25), cfg.SettlementBatch)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://rates.internal:8081", cfg.RatesBaseURL)
	assert.Equal(t, "http://directory.internal:8082", cfg.DirectoryBaseURL)
}

func TestLoadPrefixedNamesWin(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSFER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.HTTPPort)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WEBHOOK_HMAC_KEY", "webhook-secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "too-short")
	t.Setenv("WEBHOOK_HMAC_KEY", "webhook-secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32")
}

func TestLoadRequiresWebhookKeyUnlessSkipped(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("WEBHOOK_HMAC_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_HMAC_KEY")

	t.Setenv("WEBHOOK_SKIP_SIG", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.WebhookSkipSignature)
}

func TestLoadRejectsBadDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LOCK_TTL", "five minutes")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LOCK_TTL")
}

func TestLoadBatchSizeFloor(t *testing.T) {
	setRequired(t)
	t.Setenv("MONITOR_BATCH_SIZE", "-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int32(100), cfg.MonitorBatchSize)
}
