// Package config holds the application configuration.
//
// Configuration is read from a TOML file and overlaid with KEYFORGE_*
// environment variables:
//
//	[log]
//	level = "info"
//
//	[modules]
//	dir = "/usr/share/keyforge/modules"
//	disable_loading_all = false
//	settings_file = "~/.config/keyforge/modules.toml"
//
//	[runner]
//	workers = 4
//	queue_size = 1024
//
//	[bus]
//	handler_timeout = "30s"
//
// Environment variables map onto keys by section:
// KEYFORGE_RUNNER_QUEUE_SIZE sets runner.queue_size.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/keyforge/internal/config/loader"
	"github.com/dshills/keyforge/internal/logging"
)

// EnvPrefix is the prefix of configuration environment variables.
const EnvPrefix = "KEYFORGE_"

// Errors returned by configuration operations.
var (
	// ErrInvalidLevel indicates an unknown log level.
	ErrInvalidLevel = errors.New("invalid log level")

	// ErrInvalidValue indicates a value outside its allowed range.
	ErrInvalidValue = errors.New("invalid value")
)

// Config is the application configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Modules ModulesConfig `toml:"modules"`
	Runner  RunnerConfig  `toml:"runner"`
	Bus     BusConfig     `toml:"bus"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// ModulesConfig configures external module loading.
type ModulesConfig struct {
	// Dir is an extra directory searched for modules before the defaults.
	Dir string `toml:"dir"`

	// DisableLoadingAll skips every external module.
	DisableLoadingAll bool `toml:"disable_loading_all"`

	// SettingsFile stores per-module settings.
	SettingsFile string `toml:"settings_file"`
}

// RunnerConfig sizes the global task runner.
type RunnerConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

// BusConfig configures event delivery.
type BusConfig struct {
	// HandlerTimeout bounds a single listener invocation. Zero disables it.
	HandlerTimeout Duration `toml:"handler_timeout"`
}

// Duration is a time.Duration spelled as a string ("30s") in TOML. A bare
// integer is read as seconds.
type Duration time.Duration

// UnmarshalText parses a duration.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.Trim(strings.TrimSpace(string(text)), `"'`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats a duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Modules: ModulesConfig{
			SettingsFile: DefaultSettingsFile(),
		},
		Runner: RunnerConfig{Workers: 4, QueueSize: 1024},
		Bus:    BusConfig{HandlerTimeout: Duration(30 * time.Second)},
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "keyforge", "config.toml")
}

// DefaultSettingsFile returns the default module settings location.
func DefaultSettingsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "keyforge", "modules.toml")
}

// envMapping holds short aliases on top of the section_key scheme.
func envMapping() map[string]string {
	return map[string]string{
		"KEYFORGE_WORKERS":    "runner.workers",
		"KEYFORGE_MODULE_DIR": "modules.dir",
		"KEYFORGE_NO_MODULES": "modules.disable_loading_all",
	}
}

// Load reads path (a missing file is fine), overlays the environment and
// validates the result.
func Load(path string) (Config, error) {
	return LoadFrom(loader.NewTOMLLoader(path), loader.NewEnvLoaderWithMapping(EnvPrefix, envMapping()))
}

// LoadFrom merges the given sources in order over the defaults. Later
// sources win.
func LoadFrom(sources ...loader.Loader) (Config, error) {
	merged := make(map[string]any)
	for _, src := range sources {
		m, err := src.Load()
		if err != nil {
			return Config{}, err
		}
		merged = loader.DeepMerge(merged, m)
	}

	cfg := Default()
	if len(merged) > 0 {
		data, err := toml.Marshal(merged)
		if err != nil {
			return Config{}, fmt.Errorf("encoding merged config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decoding config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLevel, c.Log.Level)
	}
	if c.Runner.Workers < 1 {
		return fmt.Errorf("%w: runner.workers must be positive, got %d", ErrInvalidValue, c.Runner.Workers)
	}
	if c.Runner.QueueSize < 1 {
		return fmt.Errorf("%w: runner.queue_size must be positive, got %d", ErrInvalidValue, c.Runner.QueueSize)
	}
	if c.Bus.HandlerTimeout < 0 {
		return fmt.Errorf("%w: bus.handler_timeout must not be negative", ErrInvalidValue)
	}
	return nil
}

// LogLevel returns the configured level.
func (c Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// Save writes c to path as TOML, creating parent directories.
func (c Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
