// Package config holds trainer-cli's bring-up configuration: defaults
// applied via struct tags (go-defaults) and an optional YAML override
// file, following the teacher's pkg/config.Config convention.
package config

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/trainerble/core/internal/connection"
)

// Config holds trainer-cli's bring-up configuration.
type Config struct {
	LogLevel logrus.Level `yaml:"-"`
	// LogLevelName is the YAML-facing form of LogLevel ("debug", "info", ...).
	LogLevelName string `yaml:"log_level" default:"info"`

	// Duration fields are defaulted by hand in DefaultConfig: go-defaults
	// parses "default" tags as plain numbers for int-kinded fields, and
	// time.Duration's underlying kind is int64, so a duration literal
	// like "10s" in the tag would not parse as one.
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" default:"3"`

	// DeviceAddress is a device address read from the config file.
	// `trainer-cli connect` does not consult it: it always takes the
	// address as its one positional argument.
	DeviceAddress string `yaml:"device_address"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: connection.DefaultConnectTimeout,
	}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg
}

// Load reads a YAML config file, falling back to DefaultConfig values
// for any field the file omits. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg, nil
}

func parseLogLevel(name string) logrus.Level {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// ReconnectAttemptsOrDefault clamps to connection.MaxReconnectAttempts;
// the connection manager's retry cap is fixed by design, not
// user-configurable beyond that ceiling.
func (c *Config) ReconnectAttemptsOrDefault() int {
	if c.ReconnectAttempts <= 0 || c.ReconnectAttempts > connection.MaxReconnectAttempts {
		return connection.MaxReconnectAttempts
	}
	return c.ReconnectAttempts
}
