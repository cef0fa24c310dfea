package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.JanitorInterval)
	assert.True(t, cfg.Audit.Console.Enabled)
	assert.Equal(t, "high", cfg.Audit.SIEM.MinSeverity)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MEDGATE_SERVER_ADDR", ":9999")
	t.Setenv("MEDGATE_LOG_LEVEL", "debug")
	t.Setenv("MEDGATE_AUDIT_CONSOLE_MINSEVERITY", "warning")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "warning", cfg.Audit.Console.MinSeverity)
}

func TestLoadSplitsBrokerList(t *testing.T) {
	t.Setenv("MEDGATE_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,kafka-1:9092,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Run("unknown log level", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Level = "verbose"
		require.Error(t, cfg.Validate())
	})

	t.Run("file destination without path", func(t *testing.T) {
		cfg := Default()
		cfg.Audit.File.Enabled = true
		require.Error(t, cfg.Validate())
	})

	t.Run("siem without brokers", func(t *testing.T) {
		cfg := Default()
		cfg.Audit.SIEM.Enabled = true
		require.Error(t, cfg.Validate())
	})

	t.Run("database destination without url", func(t *testing.T) {
		cfg := Default()
		cfg.Audit.Database.Enabled = true
		require.Error(t, cfg.Validate())
	})
}
