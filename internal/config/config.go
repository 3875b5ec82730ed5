package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Session      SessionConfig       `yaml:"session"`
	Logging      LoggingConfig       `yaml:"logging"`
	Mock         MockConfig          `yaml:"mock"`
	ExtraModules map[string][]string `yaml:"extra_modules"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxConnections caps open WebSocket connections. Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`
}

type SessionConfig struct {
	// MaxSessions caps concurrently open sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`
	// SendBuffer is the per-connection outbound queue length. A client that
	// falls this far behind is disconnected.
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	// File enables a rolling log file alongside stderr output.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MockConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Tick        time.Duration `yaml:"tick"`
	Tabs        int           `yaml:"tabs"`
	TabLifetime time.Duration `yaml:"tab_lifetime"`
	FrameChance float64       `yaml:"frame_chance"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           9222,
			Host:           "127.0.0.1",
			MaxConnections: 64,
		},
		Session: SessionConfig{
			MaxSessions:  16,
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
			PongTimeout:  60 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Mock: MockConfig{
			Tick:        500 * time.Millisecond,
			Tabs:        3,
			TabLifetime: 30 * time.Second,
			FrameChance: 0.2,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative")
	}
	if c.Session.SendBuffer <= 0 {
		return fmt.Errorf("session.send_buffer must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of trace|debug|info|warn|error", c.Logging.Level)
	}
	if c.Mock.Enabled {
		if c.Mock.Tick <= 0 {
			return fmt.Errorf("mock.tick must be positive")
		}
		if c.Mock.Tabs <= 0 {
			return fmt.Errorf("mock.tabs must be positive")
		}
		if c.Mock.FrameChance < 0 || c.Mock.FrameChance > 1 {
			return fmt.Errorf("mock.frame_chance must be within [0, 1]")
		}
	}
	for module, events := range c.ExtraModules {
		if module == "" || strings.Contains(module, ".") {
			return fmt.Errorf("extra_modules: invalid module name %q", module)
		}
		for _, ev := range events {
			if ev == "" || strings.Contains(ev, ".") {
				return fmt.Errorf("extra_modules.%s: event %q must be a bare event name", module, ev)
			}
		}
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a random hex token suitable for server.auth_token.
func GenerateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
