package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meftunca/empbroker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1", cfg.Broker.BindAddress)
	assert.Equal(t, 18182, cfg.Broker.SubmitPort)
	assert.Equal(t, 18183, cfg.Broker.FetchPort)
	assert.Equal(t, 8192, cfg.Broker.MaxFrameSize)
	assert.Equal(t, 60*time.Second, cfg.Broker.MessageTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
broker:
  bind_address: "0.0.0.0"
  submit_port: 28182
  fetch_port: 28183
  max_frame_size: 4096
  sweep_interval: "1s"
  message_ttl: "30s"
  accept_timeout: "250ms"

codec:
  compression_level: 6

monitoring:
  enabled: false
  json_library: "sonic"

logging:
  level: "debug"
  format: "console"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Broker.BindAddress)
	assert.Equal(t, 28182, cfg.Broker.SubmitPort)
	assert.Equal(t, 28183, cfg.Broker.FetchPort)
	assert.Equal(t, 4096, cfg.Broker.MaxFrameSize)
	assert.Equal(t, time.Second, cfg.Broker.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Broker.MessageTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.AcceptTimeout)
	assert.Equal(t, 6, cfg.Codec.CompressionLevel)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, "sonic", cfg.Monitoring.JSONLibrary)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Broker.ConnTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.RequestIdleTimeout)
	assert.Equal(t, 1<<20, cfg.Codec.MaxPayloadSize)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
broker:
  submit_port: 28182
`)
	t.Setenv("EMPBROKER_BROKER_SUBMIT_PORT", "38182")
	t.Setenv("EMPBROKER_BROKER_MESSAGE_TTL", "2m")
	t.Setenv("EMPBROKER_LOGGING_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 38182, cfg.Broker.SubmitPort)
	assert.Equal(t, 2*time.Minute, cfg.Broker.MessageTTL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		path := writeConfig(t, `
broker:
  submit_port: 9000
  fetch_port: 9000
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrInvalidConfig)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"SubmitPortRange", func(c *Config) { c.Broker.SubmitPort = 70000 }},
		{"FetchPortNegative", func(c *Config) { c.Broker.FetchPort = -1 }},
		{"TinyFrame", func(c *Config) { c.Broker.MaxFrameSize = 10 }},
		{"ZeroSweep", func(c *Config) { c.Broker.SweepInterval = 0 }},
		{"NegativeTTL", func(c *Config) { c.Broker.MessageTTL = -time.Second }},
		{"ZeroAcceptTimeout", func(c *Config) { c.Broker.AcceptTimeout = 0 }},
		{"ZeroConnTimeout", func(c *Config) { c.Broker.ConnTimeout = 0 }},
		{"NegativeIdleTimeout", func(c *Config) { c.Broker.RequestIdleTimeout = -time.Millisecond }},
		{"ZeroGrace", func(c *Config) { c.Broker.StopGracePeriod = 0 }},
		{"CompressionLevel", func(c *Config) { c.Codec.CompressionLevel = 0 }},
		{"PayloadSize", func(c *Config) { c.Codec.MaxPayloadSize = 0 }},
		{"JSONLibrary", func(c *Config) { c.Monitoring.JSONLibrary = "jsoniter" }},
		{"LogFormat", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrCodeInvalidConfig))
		})
	}

	t.Run("EphemeralPorts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.SubmitPort = 0
		cfg.Broker.FetchPort = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("NoExpiry", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.MessageTTL = 0
		assert.NoError(t, cfg.Validate())
	})
}
