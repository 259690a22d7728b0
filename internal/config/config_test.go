package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", " Production ")
	t.Setenv("DATABASE_TYPE", "SQLite")
	t.Setenv("KEY_VAULT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SCHEDULER_INTERVAL", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, 45*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "[REDACTED]", fmt.Sprint(cfg.KeyVaultSecret))
}

func TestLoadValidatesSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("KEY_VAULT_SECRET", "short")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	_, err := Load()
	require.ErrorContains(t, err, "KEY_VAULT_SECRET must be at least")

	t.Setenv("ENVIRONMENT", "development")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
}
