// Package config loads relay settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"go.uber.org/zap/zapcore"
)

// Config holds the relay settings, one field per environment variable.
type Config struct {
	Addr        string `env:"RELAY_ADDR"`
	WSAddr      string `env:"RELAY_WS_ADDR" default:":8000"`
	TCPAddr     string `env:"RELAY_TCP_ADDR" default:":9000"`
	MetricsAddr string `env:"RELAY_METRICS_ADDR"`

	MaxMessageSize int           `env:"RELAY_MAX_MESSAGE_SIZE" default:"1048576"`
	WriteTimeout   time.Duration `env:"RELAY_WRITE_TIMEOUT" default:"10s"`
	SniffTimeout   time.Duration `env:"RELAY_SNIFF_TIMEOUT" default:"1s"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"console"`
}

// Load reads .env when present, then the process environment.
// It reports whether a .env file was loaded.
func Load() (*Config, bool, error) {
	dotenv := godotenv.Load() == nil

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, dotenv, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, dotenv, err
	}

	return &cfg, dotenv, nil
}

// Mux reports whether the relay should serve both transports on one port.
func (c *Config) Mux() bool {
	return c.Addr != ""
}

// Validate checks the combined settings. Call it again after applying
// command-line overrides.
func (c *Config) Validate() error {
	if c.Addr == "" && c.WSAddr == "" && c.TCPAddr == "" {
		return errors.New("one of RELAY_ADDR, RELAY_WS_ADDR or RELAY_TCP_ADDR is required")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_SIZE must be positive, got %d", c.MaxMessageSize)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("RELAY_WRITE_TIMEOUT must not be negative, got %s", c.WriteTimeout)
	}
	if c.SniffTimeout <= 0 {
		return fmt.Errorf("RELAY_SNIFF_TIMEOUT must be positive, got %s", c.SniffTimeout)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}
