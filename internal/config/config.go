// Package config loads runtime settings.
//
// Sources, highest precedence first: bound command flags, TOOLRUN_* environment
// variables, the config file, defaults. Nested keys map to environment
// variables with dots replaced by underscores (log.level -> TOOLRUN_LOG_LEVEL).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOOLRUN"

// DefaultConfigName is the config file looked up in the working directory
// when no explicit file is given.
const DefaultConfigName = "toolrun"

// Keys.
const (
	KeyDB               = "db"
	KeyRedisURL         = "redis.url"
	KeyRedisPrefix      = "redis.prefix"
	KeyRedisTTL         = "redis.ttl"
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
	KeyActionTimeout    = "action.timeout"
	KeyAuditCacheSize   = "audit.connection_cache_size"
	KeyCapabilitiesFile = "capabilities.file"
	KeyMetricsAddr      = "metrics.addr"
)

// Config is the resolved configuration.
type Config struct {
	DB           string                       `mapstructure:"db"`
	Redis        RedisConfig                  `mapstructure:"redis"`
	Log          LogConfig                    `mapstructure:"log"`
	Action       ActionConfig                 `mapstructure:"action"`
	Audit        AuditConfig                  `mapstructure:"audit"`
	Capabilities CapabilitiesConfig           `mapstructure:"capabilities"`
	Metrics      MetricsConfig                `mapstructure:"metrics"`
	Integrations map[string]IntegrationConfig `mapstructure:"integrations"`
}

// RedisConfig selects Redis as the integration state source. An empty URL
// keeps state in SQLite.
type RedisConfig struct {
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ActionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuditConfig struct {
	ConnectionCacheSize int `mapstructure:"connection_cache_size"`
}

type CapabilitiesConfig struct {
	File string `mapstructure:"file"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// IntegrationConfig binds an integration to an HTTP runtime. The token is
// read from the environment variable named by TokenEnv, never from the file.
type IntegrationConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	TokenEnv string `mapstructure:"token_env"`
}

// Token resolves the integration's bearer token.
func (c IntegrationConfig) Token() string {
	if c.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.TokenEnv)
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
)

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDB, "toolrun.db")
	v.SetDefault(KeyRedisURL, "")
	v.SetDefault(KeyRedisPrefix, "toolrun")
	v.SetDefault(KeyRedisTTL, time.Duration(0))
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyActionTimeout, 30*time.Second)
	v.SetDefault(KeyAuditCacheSize, 256)
	v.SetDefault(KeyCapabilitiesFile, "")
	v.SetDefault(KeyMetricsAddr, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. With an empty
// file, ./toolrun.{yaml,yml,json,toml} is used when present.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DB == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyDB))
	}
	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("%s %q must be one of %v", KeyLogLevel, c.Log.Level, validLevels))
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Errorf("%s %q must be one of %v", KeyLogFormat, c.Log.Format, validFormats))
	}
	if c.Action.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyActionTimeout))
	}
	if c.Audit.ConnectionCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyAuditCacheSize))
	}
	for id, ic := range c.Integrations {
		if ic.BaseURL == "" {
			errs = append(errs, fmt.Errorf("integrations.%s.base_url must not be empty", id))
		}
	}
	return errors.Join(errs...)
}

// Logger builds the process logger. verbose forces debug level.
func (c *Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
