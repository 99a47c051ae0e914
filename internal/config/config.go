// Package config loads qplan settings from defaults, an optional file and
// QPLAN_* environment variables, in rising order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes every environment override (QPLAN_DB_PATH).
const DefaultEnvPrefix = "QPLAN"

// Config holds every setting the CLI and the repository read.
type Config struct {
	// DBPath is the SQLite database file. ":memory:" keeps everything in
	// process.
	DBPath string `mapstructure:"db_path"`

	// EntitiesDir holds the CUE entity definitions.
	EntitiesDir string `mapstructure:"entities_dir"`

	// Format is the CLI output format, "text" or "json".
	Format string `mapstructure:"format"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	Page PageConfig `mapstructure:"page"`

	// ClearAutomatically makes every bulk statement clear the session's
	// identity cache.
	ClearAutomatically bool `mapstructure:"clear_automatically"`

	// LockTimeout bounds waits for rows locked by another session. Zero
	// waits until the caller gives up.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// PageConfig bounds page requests that do not name a size.
type PageConfig struct {
	DefaultSize int `mapstructure:"default_size"`
	MaxSize     int `mapstructure:"max_size"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		DBPath:      ":memory:",
		EntitiesDir: "./entities",
		Format:      "text",
		LogLevel:    "info",
		Page: PageConfig{
			DefaultSize: 20,
			MaxSize:     2000,
		},
		LockTimeout: 5 * time.Second,
	}
}

// Loader reads a Config.
type Loader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
	flagKeys   map[string]string
}

// NewLoader creates a loader. configFile may be empty; envPrefix defaults
// to QPLAN.
func NewLoader(configFile, envPrefix string) *Loader {
	return &Loader{configFile: configFile, envPrefix: envPrefix}
}

// WithFlags binds command-line flags over every other source. keys maps a
// config key (db_path) to a flag name (db). Flags the user did not set
// fall through to env, file and defaults.
func (l *Loader) WithFlags(fs *pflag.FlagSet, keys map[string]string) *Loader {
	l.flags = fs
	l.flagKeys = keys
	return l
}

// Load resolves configuration with precedence flags > env > file > defaults.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("entities_dir", cfg.EntitiesDir)
	v.SetDefault("format", cfg.Format)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("page.default_size", cfg.Page.DefaultSize)
	v.SetDefault("page.max_size", cfg.Page.MaxSize)
	v.SetDefault("clear_automatically", cfg.ClearAutomatically)
	v.SetDefault("lock_timeout", cfg.LockTimeout)
}

func (l *Loader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("db_path", l.prefixedEnv("DB_PATH"))
	v.BindEnv("entities_dir", l.prefixedEnv("ENTITIES_DIR"))
	v.BindEnv("format", l.prefixedEnv("FORMAT"))
	v.BindEnv("log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("page.default_size", l.prefixedEnv("PAGE_DEFAULT_SIZE"))
	v.BindEnv("page.max_size", l.prefixedEnv("PAGE_MAX_SIZE"))
	v.BindEnv("clear_automatically", l.prefixedEnv("CLEAR_AUTOMATICALLY"))
	v.BindEnv("lock_timeout", l.prefixedEnv("LOCK_TIMEOUT"))
}

func (l *Loader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for key, name := range l.flagKeys {
		f := l.flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("config key %s: no flag named %q", key, name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

func (l *Loader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// Validate reports every invalid setting at once.
func Validate(cfg *Config) error {
	var errs []error
	if strings.TrimSpace(cfg.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if cfg.Format != "text" && cfg.Format != "json" {
		errs = append(errs, fmt.Errorf("format %q must be text or json", cfg.Format))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", cfg.LogLevel))
	}
	if cfg.Page.DefaultSize < 1 {
		errs = append(errs, fmt.Errorf("page.default_size must be at least 1, got %d", cfg.Page.DefaultSize))
	}
	if cfg.Page.MaxSize < cfg.Page.DefaultSize {
		errs = append(errs, fmt.Errorf("page.max_size %d is below page.default_size %d", cfg.Page.MaxSize, cfg.Page.DefaultSize))
	}
	if cfg.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("lock_timeout must not be negative, got %s", cfg.LockTimeout))
	}
	return errors.Join(errs...)
}

// PageSize clamps a requested size: zero or less picks the default, and
// anything above the maximum is cut to it.
func (c *Config) PageSize(requested int) int {
	switch {
	case requested <= 0:
		return c.Page.DefaultSize
	case requested > c.Page.MaxSize:
		return c.Page.MaxSize
	}
	return requested
}
