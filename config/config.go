// Package config loads bookswap settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all bookswap configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Retry    RetryConfig    `yaml:"retry"`
	Notify   NotifyConfig   `yaml:"notify"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig locates the SQLite ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RetryConfig bounds retries of conflicting transactions.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"` // total attempts, including the first
	BaseDelay   string `yaml:"base_delay"`
}

// NotifyConfig configures the notification queue.
type NotifyConfig struct {
	Driver    string `yaml:"driver"` // smtp, log
	QueueSize int    `yaml:"queue_size"`
	Workers   int    `yaml:"workers"`
	Timeout   string `yaml:"timeout"`
}

// SMTPConfig configures the mail relay used by the smtp driver.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "library.db"},
		Retry: RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   "10ms",
		},
		Notify: NotifyConfig{
			Driver:    "log",
			QueueSize: 64,
			Workers:   2,
			Timeout:   "30s",
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BOOKSWAP_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("BOOKSWAP_NOTIFY_DRIVER"); v != "" {
		c.Notify.Driver = v
	}
	if v := os.Getenv("BOOKSWAP_SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("BOOKSWAP_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
}

// MaxRetryAttempts bounds retry.max_attempts.
const MaxRetryAttempts = 10

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("retry.max_attempts must be between 1 and %d, got %d", MaxRetryAttempts, c.Retry.MaxAttempts)
	}
	if _, err := c.RetryBaseDelay(); err != nil {
		return err
	}
	if _, err := c.NotifyTimeout(); err != nil {
		return err
	}
	if c.Notify.Workers < 1 {
		return fmt.Errorf("notify.workers must be positive, got %d", c.Notify.Workers)
	}
	if c.Notify.QueueSize < 0 {
		return fmt.Errorf("notify.queue_size must not be negative, got %d", c.Notify.QueueSize)
	}
	switch c.Notify.Driver {
	case "log":
	case "smtp":
		if c.SMTP.Host == "" || c.SMTP.From == "" {
			return errors.New("smtp.host and smtp.from are required for the smtp driver")
		}
	default:
		return fmt.Errorf("unknown notify.driver %q", c.Notify.Driver)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// RetryBaseDelay parses retry.base_delay.
func (c *Config) RetryBaseDelay() (time.Duration, error) {
	d, err := time.ParseDuration(c.Retry.BaseDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid retry.base_delay: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("retry.base_delay must not be negative")
	}
	return d, nil
}

// NotifyTimeout parses notify.timeout.
func (c *Config) NotifyTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Notify.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid notify.timeout: %w", err)
	}
	return d, nil
}
