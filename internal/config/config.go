// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EmptyFileName is the sentinel file that guarantees every archive contains at
// least one entry. It lives at the cache root and is recreated on the device by
// each pull.
const EmptyFileName = "__empty.txt"

// Config is the top-level configuration. Maps to the `ferry:` root key in YAML;
// every key can be overridden through FERRY_* environment variables.
type Config struct {
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Device    DeviceConfig    `mapstructure:"device"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	CacheDir  string          `mapstructure:"cache_dir"`
}

// MongoConfig locates the durable store.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// ServerConfig contains the API front-end listen settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port the API server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig contains client-side settings.
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	CacheDir  string `mapstructure:"cache_dir"`
}

// DeviceConfig describes how the device bridge is invoked.
type DeviceConfig struct {
	// ADBPath is the bridge binary, normally just "adb" on PATH.
	ADBPath string `mapstructure:"adb_path"`
	// Workspace is the absolute on-device directory wiped by every push.
	Workspace string `mapstructure:"workspace"`
}

// SchedulerConfig paces the scheduler loops.
type SchedulerConfig struct {
	Tick              time.Duration `mapstructure:"tick"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	DeviceRefresh     time.Duration `mapstructure:"device_refresh"`
	DeviceInfoTimeout time.Duration `mapstructure:"device_info_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig configures the slog backend.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   FileLogConfig `mapstructure:"file"`
}

// FileLogConfig enables rotating file output next to stdout.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// InputArchiveDir is where uploaded input archives land, named <task id>.tar.
func (c *Config) InputArchiveDir() string {
	return filepath.Join(c.CacheDir, "input_archive")
}

// OutputArchiveDir is where workers write pulled output archives.
func (c *Config) OutputArchiveDir() string {
	return filepath.Join(c.CacheDir, "output_archive")
}

// LogDir is where workers write per-task stdout/stderr log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.CacheDir, "log")
}

// EmptyFilePath is the local sentinel included in every input archive.
func (c *Config) EmptyFilePath() string {
	return filepath.Join(c.CacheDir, EmptyFileName)
}

// configRoot is the top-level wrapper matching the YAML structure `ferry: ...`.
type configRoot struct {
	Ferry Config `mapstructure:"ferry"`
}

// Load reads configuration from the optional YAML file at path and the
// environment. A missing file is not an error: defaults plus FERRY_* variables
// fully describe a working setup.
//
// No explicit env prefix: the `ferry.` key prefix naturally maps to `FERRY_`
// via the key replacer (key "ferry.log.level" → env "FERRY_LOG_LEVEL").
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			// File absent: run on defaults + env.
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := root.Ferry

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ferry.mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("ferry.mongo.database", "ferry")

	v.SetDefault("ferry.server.host", "0.0.0.0")
	v.SetDefault("ferry.server.port", 10813)

	v.SetDefault("ferry.client.server_url", "http://127.0.0.1:10813/")
	v.SetDefault("ferry.client.cache_dir", expandHome("~/.cache/ferry"))

	v.SetDefault("ferry.cache_dir", expandHome("~/.cache/ferry-server"))

	v.SetDefault("ferry.device.adb_path", "adb")
	v.SetDefault("ferry.device.workspace", "/data/local/tmp/ferry")

	v.SetDefault("ferry.scheduler.tick", "100ms")
	v.SetDefault("ferry.scheduler.stale_after", "10s")
	v.SetDefault("ferry.scheduler.device_refresh", "30s")
	v.SetDefault("ferry.scheduler.device_info_timeout", "10s")

	v.SetDefault("ferry.metrics.enabled", false)
	v.SetDefault("ferry.metrics.listen", ":9815")
	v.SetDefault("ferry.metrics.path", "/metrics")

	v.SetDefault("ferry.log.level", "info")
	v.SetDefault("ferry.log.format", "text")
	v.SetDefault("ferry.log.file.enabled", false)
	v.SetDefault("ferry.log.file.path", "/var/log/ferry/ferry.log")
	v.SetDefault("ferry.log.file.max_size_mb", 100)
	v.SetDefault("ferry.log.file.max_backups", 5)
	v.SetDefault("ferry.log.file.max_age_days", 30)
	v.SetDefault("ferry.log.file.compress", true)
}

func (c *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", c.Log.Format)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %s", c.Scheduler.Tick)
	}
	if c.Scheduler.StaleAfter <= 0 {
		return fmt.Errorf("scheduler.stale_after must be positive, got %s", c.Scheduler.StaleAfter)
	}
	if !filepath.IsAbs(c.Device.Workspace) {
		return fmt.Errorf("device.workspace must be an absolute path, got %q", c.Device.Workspace)
	}
	return nil
}

// EnsureServerDirs creates the server-side cache layout and the archive
// sentinel file.
func (c *Config) EnsureServerDirs() error {
	for _, dir := range []string{c.InputArchiveDir(), c.OutputArchiveDir(), c.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir %s: %w", dir, err)
		}
	}
	return touchSentinel(c.EmptyFilePath())
}

// EnsureClientDirs creates the client-side cache layout and sentinel.
func (c *Config) EnsureClientDirs() error {
	for _, sub := range []string{"input_archive", "output_archive"} {
		if err := os.MkdirAll(filepath.Join(c.Client.CacheDir, sub), 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	return touchSentinel(filepath.Join(c.Client.CacheDir, EmptyFileName))
}

func touchSentinel(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create sentinel %s: %w", path, err)
	}
	return f.Close()
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
