// Package config handles configuration loading for chatstore.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so an absent file is valid.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHATSTORE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chatstore/config.yaml (~/.config when unset)
//
// Files ending in .toml are parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${HOME}/chats.db"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  engine: "sqlite"          # sqlite, bolt
//	  driver: "sqlite"          # sqlite (pure Go), sqlite3 (cgo)
//	  path: "~/.local/share/chatstore/chats.db"
//	  collection: "chats"
//	  schema_version: 1
//	  max_recoveries: 8         # recoveries allowed above schema_version, ever
//	  busy_timeout: "10s"
//	  open_timeout: "30s"
//
// Autosave:
//
//	autosave:
//	  quiet_interval: "1s"      # save this long after the last change
//	  save_timeout: "10s"       # stop waiting for a save after this long
//
// Logging:
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text, json
//	  file: ""                  # optional JSON log file
//
// # Usage
//
//	cfg, err := config.LoadOrDefault(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
