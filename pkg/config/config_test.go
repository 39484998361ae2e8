package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, "test@example.com", cfg.Identity.ExternalIDSuffix)
	assert.Equal(t, "xxx", cfg.Identity.AccessToken)
	assert.Equal(t, "configuration.cfg", cfg.Storage.ConfigurationFile)
	assert.False(t, cfg.App.ExitOnEOF)
	assert.Equal(t, ":1883", cfg.Fabric.ListenAddr)
	assert.Empty(t, cfg.Fabric.TokenSecret)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("IOT_MQTT_HOST", "broker.local")
		t.Setenv("IOT_MQTT_PORT", "8883")
		t.Setenv("IOT_MQTT_USE_TLS", "true")
		t.Setenv("IOT_MQTT_KEEPALIVE", "30s")
		t.Setenv("GARAGE_USER_ACCESS_TOKEN", "secret-token")
		t.Setenv("GARAGE_EXIT_ON_EOF", "true")
		t.Setenv("FABRIC_TOKEN_SECRET", "s3cret")

		cfg := NewConfig()
		require.NoError(t, cfg.LoadFromEnv(filepath.Join(t.TempDir(), "missing.env")))

		assert.Equal(t, "broker.local", cfg.MQTT.Host)
		assert.Equal(t, 8883, cfg.MQTT.Port)
		assert.True(t, cfg.MQTT.UseTLS)
		assert.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive)
		assert.Equal(t, "secret-token", cfg.Identity.AccessToken)
		assert.True(t, cfg.App.ExitOnEOF)
		assert.Equal(t, "s3cret", cfg.Fabric.TokenSecret)
		assert.Equal(t, "ssl://broker.local:8883", cfg.Broker())

		// untouched fields keep their defaults
		assert.Equal(t, "test@example.com", cfg.Identity.ExternalIDSuffix)
	})

	t.Run("DotEnvFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "garage.env")
		require.NoError(t, os.WriteFile(path, []byte("GARAGE_SERIAL_PREFIX=SN-TEST-\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv("GARAGE_SERIAL_PREFIX") })

		cfg := NewConfig()
		require.NoError(t, cfg.LoadFromEnv(path))
		assert.Equal(t, "SN-TEST-DOOR", cfg.Serial("DOOR"))
	})

	t.Run("NothingSet", func(t *testing.T) {
		cfg := NewConfig()
		require.NoError(t, cfg.LoadFromEnv(filepath.Join(t.TempDir(), "missing.env")))
		assert.Equal(t, NewConfig(), cfg)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"EmptyHost", func(c *Config) { c.MQTT.Host = "" }},
		{"BadPort", func(c *Config) { c.MQTT.Port = 70000 }},
		{"NoExternalID", func(c *Config) { c.Identity.ExternalIDSuffix = "" }},
		{"NoToken", func(c *Config) { c.Identity.AccessToken = "" }},
		{"NoStorage", func(c *Config) { c.Storage.ConfigurationFile = "" }},
		{"NoWorkers", func(c *Config) { c.App.WorkerCount = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEndpointID(t *testing.T) {
	cfg := NewConfig()

	door := cfg.EndpointID(cfg.Serial("DOOR"))
	assert.Equal(t, door, cfg.EndpointID(cfg.Serial("DOOR")), "derived id must be stable")
	assert.NotEqual(t, door, cfg.EndpointID(cfg.Serial("REMOTE")))

	cfg.Endpoint.ID = "fixed"
	assert.Equal(t, "fixed", cfg.EndpointID("anything"))
}
