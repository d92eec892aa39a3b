package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"APP_PORT", "APP_ENV", "JWT_SECRET", "LOG_LEVEL", "ADMIN_ASSIST_DELAY_SECONDS", "PRESENCE_TTL_SECONDS",
		"USER_ROOM_MAPPING_TTL_SECONDS", "BOT_TIMEOUT_SECONDS", "HISTORY_LOOKBACK", "SEND_MAILBOX_CAPACITY", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 30*time.Second, cfg.AdminAssistDelay)
	assert.Equal(t, 30*time.Second, cfg.PresenceTTL)
	assert.Equal(t, time.Hour, cfg.UserRoomMappingTTL)
	assert.Equal(t, 60*time.Second, cfg.BotTimeout)
	assert.Equal(t, 20, cfg.HistoryLookback)
	assert.Equal(t, 64, cfg.SendMailboxCap)
	assert.Nil(t, cfg.Kafka.Brokers)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JWT_SECRET", "production-secret-key")
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("ADMIN_ASSIST_DELAY_SECONDS", "5")
	t.Setenv("HISTORY_LOOKBACK", "50")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("OTEL_ENABLED", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.AdminAssistDelay)
	assert.Equal(t, 50, cfg.HistoryLookback)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.OTEL.Enabled)
}

func TestLoad_ProductionJWTSecret(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err, "default JWT secret must be rejected in production")
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("PRESENCE_TTL_SECONDS", "invalid")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PresenceTTL)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"lookback too small", "HISTORY_LOOKBACK", "0"},
		{"lookback too large", "HISTORY_LOOKBACK", "201"},
		{"negative ttl", "PRESENCE_TTL_SECONDS", "-1"},
		{"zero bot timeout", "BOT_TIMEOUT_SECONDS", "0"},
		{"zero mailbox", "SEND_MAILBOX_CAPACITY", "0"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"bad sample ratio", "OTEL_TRACES_SAMPLER_ARG", "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("APP_ENV", "dev")
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err, "%s=%s", tt.key, tt.val)
		})
	}
}
