// Package config handles configuration loading and validation for the miner.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/tos-network/apow-miner/internal/gpu/emu"
)

// Config holds all configuration for the miner
type Config struct {
	Miner     MinerConfig     `mapstructure:"miner"`
	Sizing    epoch.Policy    `mapstructure:"sizing"`
	GPU       GPUConfig       `mapstructure:"gpu"`
	Storage   StorageConfig   `mapstructure:"storage"`
	API       APIConfig       `mapstructure:"api"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
	Stats     StatsConfig     `mapstructure:"stats"`
}

// MinerConfig defines the device and work settings
type MinerConfig struct {
	Name     string `mapstructure:"name"`
	DeviceID int    `mapstructure:"device_id"`
	// Epoch is used when AutoEpoch is off, and as the starting epoch otherwise
	Epoch       uint32 `mapstructure:"epoch"`
	AutoEpoch   bool   `mapstructure:"auto_epoch"`
	Genesis     uint64 `mapstructure:"genesis"`
	StartNonce  uint64 `mapstructure:"start_nonce"`
	ResultQueue int    `mapstructure:"result_queue"`
	Verify      bool   `mapstructure:"verify"`
}

// GPUConfig defines backend selection and launch geometry
type GPUConfig struct {
	// Mode is auto, native or emulated
	Mode          string     `mapstructure:"mode"`
	Backends      []string   `mapstructure:"backends"`
	SearchBatch   uint64     `mapstructure:"search_batch"`
	DAGBatch      uint64     `mapstructure:"dag_batch"`
	LocalSize     int        `mapstructure:"local_size"`
	ProgressEvery int        `mapstructure:"progress_every"`
	KernelPaths   []string   `mapstructure:"kernel_paths"`
	ModulePaths   []string   `mapstructure:"module_paths"`
	Emulated      []emu.Spec `mapstructure:"emulated"`
}

// StorageConfig defines where solutions and stats samples are kept
type StorageConfig struct {
	// Driver is none, redis or bolt
	Driver         string        `mapstructure:"driver"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Bolt           BoltConfig    `mapstructure:"bolt"`
	HashrateWindow time.Duration `mapstructure:"hashrate_window"`
	MaxSolutions   int           `mapstructure:"max_solutions"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// BoltConfig defines the embedded database settings
type BoltConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	Token       string        `mapstructure:"token"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	WSInterval  time.Duration `mapstructure:"ws_interval"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DiscordURL   string        `mapstructure:"discord_url"`
	TelegramBot  string        `mapstructure:"telegram_bot"`
	TelegramChat string        `mapstructure:"telegram_chat"`
	TelegramAPI  string        `mapstructure:"telegram_api"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StatsConfig defines snapshot and sampling intervals
type StatsConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/apow-miner")
	}

	v.SetEnvPrefix("APOW_MINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Miner defaults
	v.SetDefault("miner.name", "apow-miner")
	v.SetDefault("miner.device_id", 0)
	v.SetDefault("miner.auto_epoch", false)
	v.SetDefault("miner.result_queue", 16)
	v.SetDefault("miner.verify", true)

	// Sizing defaults
	v.SetDefault("sizing.base_size", epoch.DefaultBaseSize)
	v.SetDefault("sizing.epoch_length", epoch.DefaultEpochLength)
	v.SetDefault("sizing.growth_rate", epoch.DefaultGrowthRate)

	// GPU defaults
	v.SetDefault("gpu.mode", "auto")
	v.SetDefault("gpu.backends", []string{"opencl", "cuda"})
	v.SetDefault("gpu.search_batch", 8192*256)
	v.SetDefault("gpu.dag_batch", 1<<20)
	v.SetDefault("gpu.local_size", 256)
	v.SetDefault("gpu.progress_every", 10)

	// Storage defaults
	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.redis.url", "127.0.0.1:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "apow")
	v.SetDefault("storage.bolt.path", "apow-miner.db")
	v.SetDefault("storage.bolt.timeout", "1s")
	v.SetDefault("storage.hashrate_window", "24h")
	v.SetDefault("storage.max_solutions", 1000)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "127.0.0.1:8090")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.ws_interval", "2s")

	// Notify defaults
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.telegram_api", "https://api.telegram.org")
	v.SetDefault("notify.max_retries", 3)
	v.SetDefault("notify.retry_delay", "2s")

	// New Relic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "apow-miner")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Stats defaults
	v.SetDefault("stats.interval", "5s")
	v.SetDefault("stats.sample_interval", "1m")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Miner.DeviceID < 0 {
		return fmt.Errorf("miner.device_id must be >= 0")
	}

	if c.Miner.ResultQueue < 2 {
		return fmt.Errorf("miner.result_queue must be >= 2")
	}

	if err := c.Sizing.Validate(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}

	switch c.GPU.Mode {
	case "auto", "native", "emulated":
	default:
		return fmt.Errorf("gpu.mode must be auto, native or emulated")
	}

	if len(c.GPU.Backends) == 0 {
		return fmt.Errorf("gpu.backends must list at least one backend")
	}
	for _, b := range c.GPU.Backends {
		if b != "opencl" && b != "cuda" {
			return fmt.Errorf("gpu.backends: unknown backend %q", b)
		}
	}

	if c.GPU.LocalSize <= 0 {
		return fmt.Errorf("gpu.local_size must be positive")
	}

	if c.GPU.SearchBatch == 0 || c.GPU.SearchBatch%uint64(c.GPU.LocalSize) != 0 {
		return fmt.Errorf("gpu.search_batch must be a positive multiple of gpu.local_size")
	}

	if c.GPU.DAGBatch == 0 {
		return fmt.Errorf("gpu.dag_batch must be positive")
	}

	switch c.Storage.Driver {
	case "none":
	case "redis":
		if c.Storage.Redis.URL == "" {
			return fmt.Errorf("storage.redis.url is required for the redis driver")
		}
	case "bolt":
		if c.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("storage.driver must be none, redis or bolt")
	}

	if c.API.Enabled && c.API.Bind == "" {
		return fmt.Errorf("api.bind is required when api is enabled")
	}

	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}

	return nil
}

// UsesEmulation returns true if devices may come from the emulator
func (c *Config) UsesEmulation() bool {
	return c.GPU.Mode == "auto" || c.GPU.Mode == "emulated"
}

// HasBackend returns true if the named backend is enabled
func (c *Config) HasBackend(name string) bool {
	for _, b := range c.GPU.Backends {
		if b == name {
			return true
		}
	}
	return false
}
