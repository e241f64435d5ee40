// Package config handles configuration loading for condor.
//
// # Overview
//
// Configuration is loaded from a YAML (or TOML) file with environment
// variable expansion. Missing values get defaults and the result is
// validated before it is returned.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from CONDOR_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/condor/condor.yaml
//  4. ~/.config/condor/condor.yaml
//
// A .env file in the working directory is read first by LoadDotEnv, so
// secrets can live outside the config file.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${MATRIX_ACCESS_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
// bot.admin_id and bot.token also fall back to CONDOR_ADMIN_ID and
// CONDOR_BOT_TOKEN when left empty. bot.token is the Matrix access token
// when matrix.access_token and matrix.password are both unset.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pool:
//	  probe_timeout: "5s"     # 1s..60s
//	  probe_interval: "60s"
//	  stale_after: "2m"
//
// # Configuration Sections
//
// Storage:
//
//	storage:
//	  driver: "yaml"                       # yaml or sqlite
//	  path: "/var/lib/condor/condor.yaml"
//	  secrets_key: "/var/lib/condor/.secrets.key"
//
// Flows:
//
//	flows:
//	  idle_timeout: "10m"
//	  sweep_interval: "30s"
//	  callback_ttl: "30m"
//
// Matrix (enabled when homeserver is set):
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@condor:example.org"
//	  access_token: "${MATRIX_ACCESS_TOKEN}"
//	  encryption: true
//	  allowed_rooms: ["!ops:example.org"]
//	  admin_room: "!admin:example.org"
//	  command_prefix: "!"
//
// Status API:
//
//	http:
//	  addr: "127.0.0.1:8090"
//	  tailscale:
//	    enabled: false
//	    hostname: "condor"
//	    state_dir: "/var/lib/condor/tsnet"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/condor/condor.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
