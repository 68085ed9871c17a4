package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/galion-studio/snag/internal/progress"
)

// Config defines configuration for the snag daemon.
type Config struct {
	Listen         string        `yaml:"listen"`
	DownloadDir    string        `yaml:"download_dir"`
	ArchiveURL     string        `yaml:"archive_url"`
	PlatformsFile  string        `yaml:"platforms_file"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ChunkSize      int64         `yaml:"chunk_size"`
	BandwidthLimit int64         `yaml:"bandwidth_limit"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	DirectFallback bool          `yaml:"direct_fallback"`
	LogLevel       string        `yaml:"log_level"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Listen:         ":8080",
		DownloadDir:    "downloads",
		MaxConcurrency: 4,
		MaxAttempts:    8,
		ChunkSize:      128 * 1024, // 128KB
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		DirectFallback: true,
		LogLevel:       "info",
	}
}

// yamlConfig is used for YAML unmarshaling with string byte sizes and
// durations.
type yamlConfig struct {
	Listen         string `yaml:"listen"`
	DownloadDir    string `yaml:"download_dir"`
	ArchiveURL     string `yaml:"archive_url"`
	PlatformsFile  string `yaml:"platforms_file"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxAttempts    int    `yaml:"max_attempts"`
	ChunkSize      string `yaml:"chunk_size"`
	BandwidthLimit string `yaml:"bandwidth_limit"`
	BaseDelay      string `yaml:"base_delay"`
	MaxDelay       string `yaml:"max_delay"`
	DirectFallback *bool  `yaml:"direct_fallback"`
	LogLevel       string `yaml:"log_level"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Listen != "" {
		cfg.Listen = yc.Listen
	}
	if yc.DownloadDir != "" {
		cfg.DownloadDir = yc.DownloadDir
	}
	if yc.ArchiveURL != "" {
		cfg.ArchiveURL = yc.ArchiveURL
	}
	if yc.PlatformsFile != "" {
		cfg.PlatformsFile = yc.PlatformsFile
	}
	if yc.MaxConcurrency != 0 {
		cfg.MaxConcurrency = yc.MaxConcurrency
	}
	if yc.MaxAttempts != 0 {
		cfg.MaxAttempts = yc.MaxAttempts
	}
	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if yc.BandwidthLimit != "" {
		size, err := progress.ParseBytes(yc.BandwidthLimit)
		if err != nil {
			return Config{}, fmt.Errorf("parse bandwidth_limit: %w", err)
		}
		cfg.BandwidthLimit = size
	}
	if yc.BaseDelay != "" {
		d, err := time.ParseDuration(yc.BaseDelay)
		if err != nil {
			return Config{}, fmt.Errorf("parse base_delay: %w", err)
		}
		cfg.BaseDelay = d
	}
	if yc.MaxDelay != "" {
		d, err := time.ParseDuration(yc.MaxDelay)
		if err != nil {
			return Config{}, fmt.Errorf("parse max_delay: %w", err)
		}
		cfg.MaxDelay = d
	}
	if yc.DirectFallback != nil {
		cfg.DirectFallback = *yc.DirectFallback
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SNAG_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SNAG_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SNAG_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("SNAG_ARCHIVE_URL"); v != "" {
		c.ArchiveURL = v
	}
	if v := os.Getenv("SNAG_PLATFORMS_FILE"); v != "" {
		c.PlatformsFile = v
	}
	if v := os.Getenv("SNAG_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SNAG_MAX_CONCURRENCY: %w", err)
		}
		c.MaxConcurrency = n
	}
	if v := os.Getenv("SNAG_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SNAG_MAX_ATTEMPTS: %w", err)
		}
		c.MaxAttempts = n
	}
	if v := os.Getenv("SNAG_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse SNAG_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv("SNAG_BANDWIDTH_LIMIT"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse SNAG_BANDWIDTH_LIMIT: %w", err)
		}
		c.BandwidthLimit = size
	}
	if v := os.Getenv("SNAG_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SNAG_BASE_DELAY: %w", err)
		}
		c.BaseDelay = d
	}
	if v := os.Getenv("SNAG_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SNAG_MAX_DELAY: %w", err)
		}
		c.MaxDelay = d
	}
	if v := os.Getenv("SNAG_DIRECT_FALLBACK"); v != "" {
		c.DirectFallback = v == "true" || v == "1"
	}
	if v := os.Getenv("SNAG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.DownloadDir == "" {
		return errors.New("config: download_dir is required")
	}
	if c.MaxConcurrency <= 0 {
		return errors.New("config: max_concurrency must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("config: max_attempts must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.BandwidthLimit < 0 {
		return errors.New("config: bandwidth_limit must not be negative")
	}
	if c.BaseDelay <= 0 {
		return errors.New("config: base_delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.New("config: max_delay must be at least base_delay")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Listen != "" {
		c.Listen = override.Listen
	}
	if override.DownloadDir != "" {
		c.DownloadDir = override.DownloadDir
	}
	if override.ArchiveURL != "" {
		c.ArchiveURL = override.ArchiveURL
	}
	if override.PlatformsFile != "" {
		c.PlatformsFile = override.PlatformsFile
	}
	if override.MaxConcurrency != 0 {
		c.MaxConcurrency = override.MaxConcurrency
	}
	if override.MaxAttempts != 0 {
		c.MaxAttempts = override.MaxAttempts
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.BandwidthLimit != 0 {
		c.BandwidthLimit = override.BandwidthLimit
	}
	if override.BaseDelay != 0 {
		c.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay != 0 {
		c.MaxDelay = override.MaxDelay
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	return c
}
