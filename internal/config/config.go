// ABOUTME: Configuration loading and parsing for chatstore
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-chatstore/internal/engine"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "CHATSTORE_CONFIG"

// Config represents the complete chatstore configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Autosave AutosaveConfig `yaml:"autosave" toml:"autosave"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects and tunes the storage engine
type DatabaseConfig struct {
	Engine        string `yaml:"engine" toml:"engine"` // sqlite, bolt
	Driver        string `yaml:"driver" toml:"driver"` // sqlite only: sqlite (pure Go), sqlite3 (cgo)
	Path          string `yaml:"path" toml:"path"`
	Collection    string `yaml:"collection" toml:"collection"`
	SchemaVersion int    `yaml:"schema_version" toml:"schema_version"`
	MaxRecoveries int    `yaml:"max_recoveries" toml:"max_recoveries"`

	BusyTimeout time.Duration `yaml:"-" toml:"-"`
	OpenTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BusyTimeoutRaw string `yaml:"busy_timeout" toml:"busy_timeout"`
	OpenTimeoutRaw string `yaml:"open_timeout" toml:"open_timeout"`
}

// AutosaveConfig holds the debounced save timing
type AutosaveConfig struct {
	QuietInterval time.Duration `yaml:"-" toml:"-"`
	SaveTimeout   time.Duration `yaml:"-" toml:"-"`

	QuietIntervalRaw string `yaml:"quiet_interval" toml:"quiet_interval"`
	SaveTimeoutRaw   string `yaml:"save_timeout" toml:"save_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"` // optional JSON log file, in addition to stderr
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Engine:         "sqlite",
			Driver:         "sqlite",
			Path:           DefaultDataPath(),
			Collection:     "chats",
			SchemaVersion:  1,
			MaxRecoveries:  8,
			BusyTimeout:    10 * time.Second,
			OpenTimeout:    30 * time.Second,
			BusyTimeoutRaw: "10s",
			OpenTimeoutRaw: "30s",
		},
		Autosave: AutosaveConfig{
			QuietInterval:    time.Second,
			SaveTimeout:      10 * time.Second,
			QuietIntervalRaw: "1s",
			SaveTimeoutRaw:   "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location: $CHATSTORE_CONFIG, else
// $XDG_CONFIG_HOME/chatstore/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "chatstore", "config.yaml")
}

// DefaultDataPath returns $XDG_DATA_HOME/chatstore/chats.db.
func DefaultDataPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "chatstore", "chats.db")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML. Unset
// fields keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML(path) {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, or returns Default() when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Marshal renders cfg in the format implied by path's extension.
func Marshal(cfg *Config, path string) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encoding toml: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding yaml: %w", err)
	}
	return data, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Engine {
	case "sqlite":
		switch c.Database.Driver {
		case "", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
		}
	case "bolt":
	default:
		return fmt.Errorf("database.engine must be sqlite or bolt, got %q", c.Database.Engine)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := engine.ValidateName(c.Database.Collection); err != nil {
		return fmt.Errorf("database.collection: %w", err)
	}
	if c.Database.SchemaVersion < 1 {
		return fmt.Errorf("database.schema_version must be at least 1")
	}
	if c.Database.MaxRecoveries < 1 {
		return fmt.Errorf("database.max_recoveries must be at least 1")
	}
	if c.Database.BusyTimeout < 0 || c.Database.OpenTimeout < 0 {
		return fmt.Errorf("database timeouts must not be negative")
	}

	if c.Autosave.QuietInterval <= 0 {
		return fmt.Errorf("autosave.quiet_interval must be positive")
	}
	if c.Autosave.SaveTimeout <= 0 {
		return fmt.Errorf("autosave.save_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.busy_timeout", cfg.Database.BusyTimeoutRaw, &cfg.Database.BusyTimeout},
		{"database.open_timeout", cfg.Database.OpenTimeoutRaw, &cfg.Database.OpenTimeout},
		{"autosave.quiet_interval", cfg.Autosave.QuietIntervalRaw, &cfg.Autosave.QuietInterval},
		{"autosave.save_timeout", cfg.Autosave.SaveTimeoutRaw, &cfg.Autosave.SaveTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
