package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// MaxScrollbackBytes keeps a base64 snapshot within one console frame.
const MaxScrollbackBytes = 768 * 1024

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "SANDBOX_CONFIG"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Session   SessionConfig   `yaml:"session"`
	Console   ConsoleConfig   `yaml:"console"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" yaml:"port"`
	Host string `envconfig:"HOST" yaml:"host"`
	// AllowedOrigins applies to CORS and WebSocket upgrades; empty or "*"
	// allows any origin.
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
}

// EngineConfig holds container engine connection settings.
type EngineConfig struct {
	Socket            string        `envconfig:"ENGINE_SOCKET" yaml:"socket"`
	APITimeout        time.Duration `envconfig:"ENGINE_API_TIMEOUT" yaml:"api_timeout"`
	AttachTimeout     time.Duration `envconfig:"ENGINE_ATTACH_TIMEOUT" yaml:"attach_timeout"`
	ExecCreateTimeout time.Duration `envconfig:"ENGINE_EXEC_CREATE_TIMEOUT" yaml:"exec_create_timeout"`
	ExecTimeout       time.Duration `envconfig:"ENGINE_EXEC_TIMEOUT" yaml:"exec_timeout"`
}

// SessionConfig holds defaults applied to new sandbox containers.
type SessionConfig struct {
	Image       string `envconfig:"SANDBOX_IMAGE" yaml:"image"`
	NamePrefix  string `envconfig:"SANDBOX_NAME_PREFIX" yaml:"name_prefix"`
	MemoryLimit string `envconfig:"SANDBOX_MEMORY_LIMIT" yaml:"memory_limit"`
	CPUShares   int64  `envconfig:"SANDBOX_CPU_SHARES" yaml:"cpu_shares"`
	// StopGrace is how long a container gets to exit before it is killed.
	StopGrace time.Duration `envconfig:"SANDBOX_STOP_GRACE" yaml:"stop_grace"`
	// FingerprintKey keys the secret fingerprints in logs. A random key is
	// used when empty, so fingerprints are then comparable only within one
	// process.
	FingerprintKey string `envconfig:"SANDBOX_FINGERPRINT_KEY" yaml:"fingerprint_key"`
}

// ConsoleConfig holds console-mode streaming settings.
type ConsoleConfig struct {
	ScrollbackBytes int           `envconfig:"CONSOLE_SCROLLBACK_BYTES" yaml:"scrollback_bytes"`
	PingInterval    time.Duration `envconfig:"CONSOLE_PING_INTERVAL" yaml:"ping_interval"`
	DefaultRows     int           `envconfig:"CONSOLE_ROWS" yaml:"rows"`
	DefaultCols     int           `envconfig:"CONSOLE_COLS" yaml:"cols"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration for session creation.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled"`
}

// Load builds configuration from defaults, then the YAML file named by
// SANDBOX_CONFIG (if set), then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load with an explicit YAML path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Socket == "" {
		return fmt.Errorf("engine socket path is required")
	}
	for name, d := range map[string]time.Duration{
		"api_timeout":         c.Engine.APITimeout,
		"attach_timeout":      c.Engine.AttachTimeout,
		"exec_create_timeout": c.Engine.ExecCreateTimeout,
		"exec_timeout":        c.Engine.ExecTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("engine %s must be positive, got %s", name, d)
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	if c.Session.StopGrace < 0 {
		return fmt.Errorf("stop grace must not be negative, got %s", c.Session.StopGrace)
	}
	if len(c.Session.FingerprintKey) > 64 {
		return fmt.Errorf("fingerprint key must be at most 64 bytes")
	}
	if c.Session.CPUShares < 0 {
		return fmt.Errorf("cpu shares must not be negative, got %d", c.Session.CPUShares)
	}
	if c.Console.ScrollbackBytes <= 0 {
		return fmt.Errorf("console scrollback must be positive, got %d", c.Console.ScrollbackBytes)
	}
	// A snapshot is sent as one base64 frame, which viewers cap at 1 MiB.
	if c.Console.ScrollbackBytes > MaxScrollbackBytes {
		return fmt.Errorf("console scrollback must be at most %d bytes, got %d", MaxScrollbackBytes, c.Console.ScrollbackBytes)
	}
	if c.Console.DefaultRows <= 0 || c.Console.DefaultRows > 0xffff || c.Console.DefaultCols <= 0 || c.Console.DefaultCols > 0xffff {
		return fmt.Errorf("console size %dx%d is out of range", c.Console.DefaultRows, c.Console.DefaultCols)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ShutdownTimeout: 20 * time.Second,
		},
		Engine: EngineConfig{
			Socket:            "/var/run/docker.sock",
			APITimeout:        30 * time.Second,
			AttachTimeout:     5 * time.Second,
			ExecCreateTimeout: 10 * time.Second,
			ExecTimeout:       30 * time.Second,
		},
		Session: SessionConfig{
			Image:       "sandbox-agent:latest",
			NamePrefix:  "sandbox-",
			MemoryLimit: "2g",
			CPUShares:   1024,
			StopGrace:   5 * time.Second,
		},
		Console: ConsoleConfig{
			ScrollbackBytes: 256 * 1024,
			PingInterval:    30 * time.Second,
			DefaultRows:     24,
			DefaultCols:     80,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			Enabled:           true,
		},
	}
}
