// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  engine: "bolt"
  path: "./test.bolt"
  collection: "conversations"
  schema_version: 3
  max_recoveries: 2
  busy_timeout: "2s"
  open_timeout: "1m"

autosave:
  quiet_interval: "250ms"
  save_timeout: "5s"

logging:
  level: "debug"
  format: "json"
  file: "/tmp/chatstore.log"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Engine != "bolt" {
		t.Errorf("Database.Engine = %q, want %q", cfg.Database.Engine, "bolt")
	}
	if cfg.Database.Path != "./test.bolt" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.bolt")
	}
	if cfg.Database.Collection != "conversations" {
		t.Errorf("Database.Collection = %q, want %q", cfg.Database.Collection, "conversations")
	}
	if cfg.Database.SchemaVersion != 3 {
		t.Errorf("Database.SchemaVersion = %d, want 3", cfg.Database.SchemaVersion)
	}
	if cfg.Database.MaxRecoveries != 2 {
		t.Errorf("Database.MaxRecoveries = %d, want 2", cfg.Database.MaxRecoveries)
	}
	if cfg.Database.BusyTimeout != 2*time.Second {
		t.Errorf("Database.BusyTimeout = %v, want %v", cfg.Database.BusyTimeout, 2*time.Second)
	}
	if cfg.Database.OpenTimeout != time.Minute {
		t.Errorf("Database.OpenTimeout = %v, want %v", cfg.Database.OpenTimeout, time.Minute)
	}
	if cfg.Autosave.QuietInterval != 250*time.Millisecond {
		t.Errorf("Autosave.QuietInterval = %v, want %v", cfg.Autosave.QuietInterval, 250*time.Millisecond)
	}
	if cfg.Autosave.SaveTimeout != 5*time.Second {
		t.Errorf("Autosave.SaveTimeout = %v, want %v", cfg.Autosave.SaveTimeout, 5*time.Second)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if cfg.Logging.File != "/tmp/chatstore.log" {
		t.Errorf("Logging.File = %q, want %q", cfg.Logging.File, "/tmp/chatstore.log")
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[database]
engine = "sqlite"
driver = "sqlite3"
path = "/var/lib/chatstore/chats.db"

[autosave]
quiet_interval = "2s"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite3")
	}
	if cfg.Database.Path != "/var/lib/chatstore/chats.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Autosave.QuietInterval != 2*time.Second {
		t.Errorf("Autosave.QuietInterval = %v, want %v", cfg.Autosave.QuietInterval, 2*time.Second)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	// Unset fields keep defaults
	if cfg.Database.Collection != "chats" {
		t.Errorf("Database.Collection = %q, want default %q", cfg.Database.Collection, "chats")
	}
	if cfg.Autosave.SaveTimeout != 10*time.Second {
		t.Errorf("Autosave.SaveTimeout = %v, want default %v", cfg.Autosave.SaveTimeout, 10*time.Second)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHATSTORE_DIR", "/data/from-env")

	path := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_CHATSTORE_DIR}/chats.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/data/from-env/chats.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/data/from-env/chats.db")
	}
}

func TestLoad_MissingEnvVarBecomesEmpty(t *testing.T) {
	os.Unsetenv("TEST_CHATSTORE_UNSET")

	path := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_CHATSTORE_UNSET}"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for empty database.path")
	}
	if !strings.Contains(err.Error(), "database.path is required") {
		t.Errorf("error = %v, want database.path is required", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown engine",
			content: "database:\n  engine: \"leveldb\"\n",
			wantErr: "database.engine",
		},
		{
			name:    "unknown driver",
			content: "database:\n  driver: \"pgx\"\n",
			wantErr: "database.driver",
		},
		{
			name:    "bad collection name",
			content: "database:\n  collection: \"my chats\"\n",
			wantErr: "database.collection",
		},
		{
			name:    "zero schema version",
			content: "database:\n  schema_version: 0\n",
			wantErr: "database.schema_version",
		},
		{
			name:    "zero max recoveries",
			content: "database:\n  max_recoveries: 0\n",
			wantErr: "database.max_recoveries",
		},
		{
			name:    "bad duration",
			content: "autosave:\n  quiet_interval: \"soon\"\n",
			wantErr: "autosave.quiet_interval",
		},
		{
			name:    "zero quiet interval",
			content: "autosave:\n  quiet_interval: \"0s\"\n",
			wantErr: "autosave.quiet_interval must be positive",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: \"verbose\"\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			content: "logging:\n  format: \"xml\"\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", "database: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected parse error")
	}

	path = writeConfig(t, "config.toml", "[database\npath = 1")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected toml parse error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg/data")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Database.Path != "/xdg/data/chatstore/chats.db" {
		t.Errorf("Database.Path = %q, want default under XDG_DATA_HOME", cfg.Database.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	if got := DefaultPath(); got != "/xdg/config/chatstore/config.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv(EnvConfigPath, "/etc/chatstore.toml")
	if got := DefaultPath(); got != "/etc/chatstore.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.Engine = "bolt"
			cfg.Database.Path = "/tmp/x.bolt"
			cfg.Autosave.QuietIntervalRaw = "3s"

			data, err := Marshal(cfg, name)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			path := writeConfig(t, name, string(data))

			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v\n%s", err, data)
			}
			if got.Database.Engine != "bolt" || got.Database.Path != "/tmp/x.bolt" {
				t.Errorf("Database = %+v", got.Database)
			}
			if got.Autosave.QuietInterval != 3*time.Second {
				t.Errorf("Autosave.QuietInterval = %v, want 3s", got.Autosave.QuietInterval)
			}
		})
	}
}
