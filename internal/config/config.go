// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	DBURL                 string        `mapstructure:"DB_URL"`
	MigrationsPath        string        `mapstructure:"MIGRATIONS_PATH"`
	HTTPAddr              string        `mapstructure:"HTTP_ADDR"`
	SyncInterval          time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncConcurrency       int           `mapstructure:"SYNC_CONCURRENCY"`
	ReprocessBatchSize    int           `mapstructure:"REPROCESS_BATCH_SIZE"`
	CrossSourceResolution bool          `mapstructure:"CROSS_SOURCE_RESOLUTION"`
	NATSURL               string        `mapstructure:"NATS_URL"`
	NATSSubjectPrefix     string        `mapstructure:"NATS_SUBJECT_PREFIX"`
	GithubToken           string        `mapstructure:"GITHUB_TOKEN"`
}

var defaults = map[string]any{
	"LOG_LEVEL":               "info",
	"DB_URL":                  "",
	"MIGRATIONS_PATH":         "file://migrations",
	"HTTP_ADDR":               ":8080",
	"SYNC_INTERVAL":           "15m",
	"SYNC_CONCURRENCY":        4,
	"REPROCESS_BATCH_SIZE":    500,
	"CROSS_SOURCE_RESOLUTION": true,
	"NATS_URL":                "",
	"NATS_SUBJECT_PREFIX":     "workitems",
	"GITHUB_TOKEN":            "",
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	// Every key gets a default so AutomaticEnv picks it up during Unmarshal.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBURL == "" {
		return errors.New("DB_URL is a required configuration field")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be a positive duration (e.g. 15m)")
	}
	if c.SyncConcurrency < 1 {
		return errors.New("SYNC_CONCURRENCY must be at least 1")
	}
	if c.ReprocessBatchSize < 1 {
		return errors.New("REPROCESS_BATCH_SIZE must be at least 1")
	}
	if strings.TrimSpace(c.NATSSubjectPrefix) == "" {
		return errors.New("NATS_SUBJECT_PREFIX must not be empty")
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error: %w", err)
	}
	return level, nil
}
