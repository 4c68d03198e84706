// Package config provides unified configuration loading for the generation
// engine. Supports YAML files, environment variables, and programmatic
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all deployment configuration for the generation engine.
// User-facing settings (API key, model names, pool size, auto-download) live
// in the SQLite settings store, not here.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Settings      SettingsConfig      `yaml:"settings"`
	Generation    GenerationConfig    `yaml:"generation"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// SettingsConfig holds settings-store location.
type SettingsConfig struct {
	Path string `yaml:"path"` // empty means the platform data dir
}

// GenerationConfig holds upstream API settings per media kind.
type GenerationConfig struct {
	Image MediaConfig `yaml:"image"`
	Video MediaConfig `yaml:"video"`
}

// MediaConfig holds per-media upstream settings.
type MediaConfig struct {
	BaseURL         string        `yaml:"base_url"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// NotifyConfig holds push-notification settings.
type NotifyConfig struct {
	Driver string      `yaml:"driver"` // memory or redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with the product defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8090,
			ReadTimeout: 30 * time.Second,
			// Zero keeps the SSE event feed open indefinitely.
			WriteTimeout:     0,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Settings: SettingsConfig{
			Path: "",
		},
		Generation: GenerationConfig{
			Image: MediaConfig{
				BaseURL:         "http://hetang.lyvideo.top",
				StreamTimeout:   300 * time.Second,
				DownloadTimeout: 60 * time.Second,
			},
			Video: MediaConfig{
				BaseURL:         "https://hetang.lyvideo.top",
				StreamTimeout:   600 * time.Second,
				DownloadTimeout: 120 * time.Second,
			},
		},
		Notify: NotifyConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				DB:     0,
				Prefix: "hetangai:",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Notify.Driver != "memory" && c.Notify.Driver != "redis" {
		return fmt.Errorf("invalid notify driver: %s", c.Notify.Driver)
	}

	if c.Generation.Image.StreamTimeout <= 0 || c.Generation.Video.StreamTimeout <= 0 {
		return fmt.Errorf("stream timeouts must be positive")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SETTINGS_DB_PATH"); v != "" {
		cfg.Settings.Path = v
	}

	if v := os.Getenv("IMAGE_API_BASE_URL"); v != "" {
		cfg.Generation.Image.BaseURL = v
	}

	if v := os.Getenv("VIDEO_API_BASE_URL"); v != "" {
		cfg.Generation.Video.BaseURL = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Notify.Driver = "redis"
		cfg.Notify.Redis.Addr = stripScheme(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

func stripScheme(addr string) string {
	const scheme = "redis://"
	if len(addr) > len(scheme) && addr[:len(scheme)] == scheme {
		return addr[len(scheme):]
	}
	return addr
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	return filepath.Join(filepath.Dir(configPath), targetPath)
}
