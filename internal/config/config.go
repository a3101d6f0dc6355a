package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// Download Configuration:
// - MAX_DOWNLOAD_ATTEMPTS: Total fetch attempts per entry (default: 3)
// - DOWNLOAD_BACKOFF_MS: Initial retry backoff in milliseconds (default: 1000)
// - DOWNLOAD_BACKOFF_MAX_MS: Backoff ceiling in milliseconds (default: 10000)
// - HTTP_TIMEOUT_SECONDS: Per-attempt request timeout (default: 60)
//
// Metadata Configuration:
// - EXIFTOOL_CMD: Name or path of the exiftool executable (default: exiftool)
//
// Schedule Configuration:
// - CRON_EXPR: Cron expression for scheduled mode (default: 0 0 * * *)
//
// System Configuration:
// - LOG_LEVEL: debug|info|warn|error (default: info)

type Config struct {
	Download DownloadConfig `json:"download"`
	Exif     ExifConfig     `json:"exif"`
	Schedule ScheduleConfig `json:"schedule"`
	System   SystemConfig   `json:"system"`
}

// DownloadConfig tunes the retry budget and backoff of the fetch stage.
type DownloadConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	HTTPTimeout    time.Duration `json:"http_timeout"`
}

// ExifConfig holds the external metadata tool binding.
type ExifConfig struct {
	Command string `json:"command"`
}

// ScheduleConfig holds the cron expression for scheduled mode.
type ScheduleConfig struct {
	CronExpr string `json:"cron_expr"`
}

// SystemConfig holds the system configuration.
type SystemConfig struct {
	LogLevel string `json:"log_level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Download: DownloadConfig{
			MaxAttempts:    getEnvInt("MAX_DOWNLOAD_ATTEMPTS", 3),
			InitialBackoff: time.Duration(getEnvInt("DOWNLOAD_BACKOFF_MS", 1000)) * time.Millisecond,
			MaxBackoff:     time.Duration(getEnvInt("DOWNLOAD_BACKOFF_MAX_MS", 10000)) * time.Millisecond,
			HTTPTimeout:    time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Exif: ExifConfig{
			Command: getEnvString("EXIFTOOL_CMD", "exiftool"),
		},
		Schedule: ScheduleConfig{
			CronExpr: getEnvString("CRON_EXPR", "0 0 * * *"),
		},
		System: SystemConfig{
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Download.MaxAttempts < 1 {
		return fmt.Errorf("MAX_DOWNLOAD_ATTEMPTS must be at least 1")
	}
	if c.Download.InitialBackoff > c.Download.MaxBackoff {
		return fmt.Errorf("DOWNLOAD_BACKOFF_MS must not exceed DOWNLOAD_BACKOFF_MAX_MS")
	}
	if c.Exif.Command == "" {
		return fmt.Errorf("EXIFTOOL_CMD is required")
	}
	if _, err := cron.ParseStandard(c.Schedule.CronExpr); err != nil {
		return fmt.Errorf("invalid CRON_EXPR: %w", err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
