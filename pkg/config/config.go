package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	LogLevel       logrus.Level  `json:"log_level" yaml:"log_level"`
	ScanTimeout    time.Duration `json:"scan_timeout" yaml:"scan_timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MTU            int           `json:"mtu" yaml:"mtu"`
	OutputFormat   string        `json:"output_format" yaml:"output_format"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       logrus.InfoLevel,
		ScanTimeout:    2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
		MTU:            515,
		OutputFormat:   "text", // text, json
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Validate rejects unknown output formats and MTUs outside the ATT range.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported output format %q (expected text or json)", c.OutputFormat)
	}
	if c.MTU < 23 || c.MTU > 515 {
		return fmt.Errorf("mtu %d out of range [23, 515]", c.MTU)
	}
	return nil
}
