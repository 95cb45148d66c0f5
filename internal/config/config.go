// Package config holds the process-wide springtime configuration: where
// downloaded data is cached, where run outputs go, and how credentials are
// located. The configuration is loaded once at process start and passed
// explicitly into the workflow; it must not be mutated after dataset
// operations have begun.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	CacheDir        string        `mapstructure:"cache_dir"`
	OutputRootDir   string        `mapstructure:"output_root_dir"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	ForceOverride   bool          `mapstructure:"force_override"`
	Logging         LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. The path may
// be empty, in which case only defaults and SPRINGTIME_* env overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SPRINGTIME")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	cacheHome, err := os.UserCacheDir()
	if err != nil {
		cacheHome = os.TempDir()
	}
	configHome, err := os.UserConfigDir()
	if err != nil {
		configHome = os.TempDir()
	}

	v.SetDefault("cache_dir", filepath.Join(cacheHome, "springtime"))
	v.SetDefault("output_root_dir", ".")
	v.SetDefault("credentials_file", filepath.Join(configHome, "springtime", "credentials.json"))
	v.SetDefault("force_override", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.OutputRootDir == "" {
		return fmt.Errorf("output_root_dir is required")
	}
	if c.CredentialsFile == "" {
		return fmt.Errorf("credentials_file is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// EnsureDirs creates the cache and output root directories if they don't
// exist yet. Called once at process start, before any dataset operation.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheDir, c.OutputRootDir} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}
	return nil
}
