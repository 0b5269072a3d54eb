// Package config loads snowmirror settings from an optional snowmirror.yaml
// and SNOWMIRROR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SNOWMIRROR_DATABASE.
const EnvPrefix = "SNOWMIRROR"

// Config holds the settings shared by the CLI commands.
type Config struct {
	Database          string `mapstructure:"database"`
	CatalogDir        string `mapstructure:"catalog_dir"`
	Format            string `mapstructure:"format"`
	LogLevel          string `mapstructure:"log_level"`
	StrictAtomicity   bool   `mapstructure:"strict_atomicity"`
	QueueCapacityHint int    `mapstructure:"queue_capacity_hint"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database:          "snowmirror.db",
		Format:            "text",
		LogLevel:          "info",
		QueueCapacityHint: 64,
	}
}

var keys = []string{
	"database",
	"catalog_dir",
	"format",
	"log_level",
	"strict_atomicity",
	"queue_capacity_hint",
}

// Load reads configuration. With an empty path it looks for snowmirror.yaml
// in the working directory and carries on without one; an explicit path must
// exist. Environment variables override the file.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("database", def.Database)
	v.SetDefault("catalog_dir", def.CatalogDir)
	v.SetDefault("format", def.Format)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("strict_atomicity", def.StrictAtomicity)
	v.SetDefault("queue_capacity_hint", def.QueueCapacityHint)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("snowmirror")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated and numeric settings.
func (c Config) Validate() error {
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: format must be text or json, got %q", c.Format)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.QueueCapacityHint < 0 {
		return fmt.Errorf("config: queue_capacity_hint must be non-negative, got %d", c.QueueCapacityHint)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}
