package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, "models", cfg.Model.Dir)
	assert.Equal(t, 15*time.Second, cfg.Report.FetchTimeout)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: from-file\nmodel:\n  base_url: https://models.example.com/leaf/v3\n")
	t.Setenv("LEAFDOC_AUTH_JWT_SECRET", "from-env")
	t.Setenv("LEAFDOC_OBJECTSTORE_BUCKET", "leaves")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "leaves", cfg.ObjectStore.Bucket)
	assert.Equal(t, "https://models.example.com/leaf/v3", cfg.Model.BaseURL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no model source", func(c *Config) { c.Model.Dir = ""; c.Model.BaseURL = "" }, "model.base_url"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server: ServerConfig{Port: 8080, MaxUploadBytes: 1},
				Model:  ModelConfig{Dir: "models"},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
