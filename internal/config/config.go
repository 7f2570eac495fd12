// Package config loads the client configuration from file, environment,
// and runtime overrides.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the CLI.
type Config struct {
	// API configures the OCR service connection.
	API APIConfig `mapstructure:"api"`

	// Poll configures status polling behavior.
	Poll PollConfig `mapstructure:"poll"`

	// Engine is the default OCR engine for new submissions.
	Engine string `mapstructure:"engine"`

	// DataDir holds the active-job slot and the history database.
	// Empty means the per-user default (~/.histpath).
	DataDir string `mapstructure:"data_dir"`

	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// APIConfig configures the HTTP client for the OCR service.
type APIConfig struct {
	// BaseURL is the service root, e.g. "http://localhost:8000".
	BaseURL string `mapstructure:"base_url"`

	// Timeout bounds each individual HTTP request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// PollConfig configures the status polling loop.
type PollConfig struct {
	// Interval between status polls.
	Interval time.Duration `mapstructure:"interval"`

	// MaxWait is the local deadline for a tracked job. Zero disables it.
	MaxWait time.Duration `mapstructure:"max_wait"`

	// RateLimit caps status requests per second across the process.
	// Zero disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// HistoryConfig configures the local analysis history.
type HistoryConfig struct {
	// Recent is the default number of entries shown by jobs list.
	Recent int `mapstructure:"recent"`

	// MaxAge prunes entries older than this on gc. Zero keeps everything.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// LoggingConfig configures the shared logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// JSON switches the logger to production JSON encoding.
	JSON bool `mapstructure:"json"`
}

// ArchiveConfig configures S3 artifact archival.
type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// ResolveDataDir returns the effective data directory, expanding the
// per-user default when DataDir is unset.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".histpath"), nil
}

// HistoryPath returns the history database location under the data dir.
func (c *Config) HistoryPath() (string, error) {
	dir, err := c.ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}
