// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

// Environment variables that override file settings.
const (
	EnvDBPath   = "MODELHUB_DB_PATH"
	EnvPort     = "MODELHUB_PORT"
	EnvLogLevel = "MODELHUB_LOG_LEVEL"
)

type Config struct {
	Database Database `yaml:"database"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	State    State    `yaml:"state"`
}

type Database struct {
	Path string `yaml:"path"`
	// CacheSize is the number of decoded records kept in memory. 0 disables
	// the cache.
	CacheSize int `yaml:"cache_size"`
}

type HTTP struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type State struct {
	// CompressThreshold is the encoded size in bytes above which estimator
	// state is stored zstd-compressed. 0 stores everything as plain JSON.
	CompressThreshold int `yaml:"compress_threshold"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Database: Database{
			Path:      "models.db",
			CacheSize: 256,
		},
		HTTP: HTTP{
			Port:           8000,
			Timeout:        30 * time.Second,
			MaxBodyBytes:   1 << 20,
			RateLimit:      0,
			RateBurst:      50,
			AllowedOrigins: []string{"*"},
		},
		Log: Log{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		State: State{
			CompressThreshold: 4096,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("database.cache_size must be >= 0, got %d", c.Database.CacheSize))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("http.max_body_bytes must be positive, got %d", c.HTTP.MaxBodyBytes))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("http.rate_limit must be >= 0, got %v", c.HTTP.RateLimit))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("http.rate_burst must be >= 1 when rate_limit is set, got %d", c.HTTP.RateBurst))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.State.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("state.compress_threshold must be >= 0, got %d", c.State.CompressThreshold))
	}
	return errors.Join(errs...)
}
