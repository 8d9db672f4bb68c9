package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)
	assert.Empty(t, cfg.Server.AllowedOrigins)

	assert.Equal(t, "/var/run/docker.sock", cfg.Engine.Socket)
	assert.Equal(t, 5*time.Second, cfg.Engine.AttachTimeout)
	assert.Equal(t, 10*time.Second, cfg.Engine.ExecCreateTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.ExecTimeout)

	assert.Equal(t, "2g", cfg.Session.MemoryLimit)
	assert.Equal(t, int64(1024), cfg.Session.CPUShares)

	assert.Equal(t, 30*time.Second, cfg.Console.PingInterval)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	assert.True(t, cfg.RateLimit.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault()

	require.NotNil(t, cfg)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                  "9000",
		"HOST":                  "127.0.0.1",
		"ENGINE_SOCKET":         "/run/podman/podman.sock",
		"ENGINE_ATTACH_TIMEOUT": "2s",
		"SANDBOX_IMAGE":         "agent:dev",
		"SANDBOX_CPU_SHARES":    "512",
		"LOG_LEVEL":             "debug",
		"LOG_DEV":               "true",
		"RATE_LIMIT_RPS":        "50",
		"RATE_LIMIT_ENABLED":    "false",
		"ALLOWED_ORIGINS":       "https://app.example.com,https://*.example.dev",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/run/podman/podman.sock", cfg.Engine.Socket)
	assert.Equal(t, 2*time.Second, cfg.Engine.AttachTimeout)
	assert.Equal(t, "agent:dev", cfg.Session.Image)
	assert.Equal(t, int64(512), cfg.Session.CPUShares)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 50, cfg.RateLimit.RequestsPerSecond)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, []string{"https://app.example.com", "https://*.example.dev"}, cfg.Server.AllowedOrigins)

	// untouched values keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Engine.ExecTimeout)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.yaml")
	content := []byte(`
server:
  port: "7000"
engine:
  socket: /tmp/engine.sock
  exec_timeout: 45s
session:
  image: agent:file
  memory_limit: 512m
logging:
  level: warn
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv(FileEnv, path)
	t.Setenv("SANDBOX_IMAGE", "agent:env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "/tmp/engine.sock", cfg.Engine.Socket)
	assert.Equal(t, 45*time.Second, cfg.Engine.ExecTimeout)
	assert.Equal(t, "512m", cfg.Session.MemoryLimit)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// environment wins over the file
	assert.Equal(t, "agent:env", cfg.Session.Image)

	// defaults survive where neither layer says anything
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5*time.Second, cfg.Engine.AttachTimeout)
}

func TestLoadFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

		_, err := LoadFile(path)
		assert.Error(t, err)
	})
}

func TestLoggingConfig(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		dev       string
		wantLevel string
		wantDev   bool
	}{
		{name: "default values", wantLevel: "info", wantDev: false},
		{name: "debug level", level: "debug", wantLevel: "debug", wantDev: false},
		{name: "development mode", dev: "true", wantLevel: "info", wantDev: true},
		{name: "error level production", level: "error", dev: "false", wantLevel: "error", wantDev: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.level != "" {
				t.Setenv("LOG_LEVEL", tt.level)
			}
			if tt.dev != "" {
				t.Setenv("LOG_DEV", tt.dev)
			}

			cfg := LoadOrDefault()

			assert.Equal(t, tt.wantLevel, cfg.Logging.Level)
			assert.Equal(t, tt.wantDev, cfg.Logging.Development)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket", func(c *Config) { c.Engine.Socket = "" }},
		{"zero attach timeout", func(c *Config) { c.Engine.AttachTimeout = 0 }},
		{"negative exec timeout", func(c *Config) { c.Engine.ExecTimeout = -time.Second }},
		{"negative cpu shares", func(c *Config) { c.Session.CPUShares = -1 }},
		{"zero scrollback", func(c *Config) { c.Console.ScrollbackBytes = 0 }},
		{"scrollback over frame cap", func(c *Config) { c.Console.ScrollbackBytes = MaxScrollbackBytes + 1 }},
		{"zero rows", func(c *Config) { c.Console.DefaultRows = 0 }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"negative stop grace", func(c *Config) { c.Session.StopGrace = -time.Second }},
		{"long fingerprint key", func(c *Config) { c.Session.FingerprintKey = strings.Repeat("k", 65) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("ENGINE_ATTACH_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
	assert.Equal(t, 5*time.Second, LoadOrDefault().Engine.AttachTimeout)
}
