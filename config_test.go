package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, _, err := loadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Host)
	assert.Equal(t, 30*time.Second, cfg.BootstrapTimeout)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 8, cfg.Push.Concurrency)
	assert.Equal(t, "wabridge_events", cfg.AMQP.Queue)
	assert.False(t, cfg.Redis.Enable)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HOST", ":9999")
	t.Setenv("SECRET", "s3")
	t.Setenv("BOOTSTRAP_TIMEOUT", "5s")
	t.Setenv("REDIS_ENABLE", "true")
	t.Setenv("PUSH_CONCURRENCY", "3")
	t.Setenv("QR_TERMINAL", "true")

	cfg, _, err := loadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Host)
	assert.Equal(t, "s3", cfg.Secret)
	assert.Equal(t, 5*time.Second, cfg.BootstrapTimeout)
	assert.True(t, cfg.Redis.Enable)
	assert.Equal(t, 3, cfg.Push.Concurrency)
	assert.True(t, cfg.QR.Terminal)
}
