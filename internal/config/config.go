// ABOUTME: Configuration loading and parsing for condor
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultProbeInterval = 60 * time.Second
	DefaultStaleAfter    = 2 * time.Minute
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second
	DefaultCallbackTTL   = 30 * time.Minute
	DefaultCommandPrefix = "!"

	MinProbeTimeout = time.Second
	MaxProbeTimeout = 60 * time.Second
)

// Storage drivers.
const (
	DriverYAML   = "yaml"
	DriverSQLite = "sqlite"
)

// Config represents the complete condor configuration
type Config struct {
	Bot     BotConfig     `yaml:"bot" toml:"bot"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Pool    PoolConfig    `yaml:"pool" toml:"pool"`
	Flows   FlowsConfig   `yaml:"flows" toml:"flows"`
	Matrix  MatrixConfig  `yaml:"matrix" toml:"matrix"`
	HTTP    HTTPConfig    `yaml:"http" toml:"http"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// BotConfig holds the bot identity settings
type BotConfig struct {
	// AdminID is the bootstrap admin. Only used when the store has no admin yet.
	AdminID int64 `yaml:"admin_id" toml:"admin_id"`
	// Token stands in for matrix.access_token when no Matrix credential is set.
	Token string `yaml:"token" toml:"token"`
}

// StorageConfig selects where the configuration document lives
type StorageConfig struct {
	Driver     string `yaml:"driver" toml:"driver"`
	Path       string `yaml:"path" toml:"path"`
	SecretsKey string `yaml:"secrets_key" toml:"secrets_key"` // empty disables credential sealing
}

// PoolConfig holds server pool timing configuration
type PoolConfig struct {
	ProbeTimeout  time.Duration `yaml:"-" toml:"-"`
	ProbeInterval time.Duration `yaml:"-" toml:"-"`
	StaleAfter    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ProbeTimeoutRaw  string `yaml:"probe_timeout" toml:"probe_timeout"`
	ProbeIntervalRaw string `yaml:"probe_interval" toml:"probe_interval"`
	StaleAfterRaw    string `yaml:"stale_after" toml:"stale_after"`
}

// FlowsConfig holds progressive flow timing configuration
type FlowsConfig struct {
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	CallbackTTL   time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
	CallbackTTLRaw   string `yaml:"callback_ttl" toml:"callback_ttl"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Homeserver      string   `yaml:"homeserver" toml:"homeserver"`
	UserID          string   `yaml:"user_id" toml:"user_id"`
	Username        string   `yaml:"username" toml:"username"`
	Password        string   `yaml:"password" toml:"password"`
	AccessToken     string   `yaml:"access_token" toml:"access_token"`
	RecoveryKey     string   `yaml:"recovery_key" toml:"recovery_key"`
	Encryption      bool     `yaml:"encryption" toml:"encryption"`
	AllowedRooms    []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	AdminRoom       string   `yaml:"admin_room" toml:"admin_room"`
	CommandPrefix   string   `yaml:"command_prefix" toml:"command_prefix"`
	TypingIndicator bool     `yaml:"typing_indicator" toml:"typing_indicator"`
}

// Enabled reports whether the Matrix bridge is configured.
func (m MatrixConfig) Enabled() bool {
	return m.Homeserver != ""
}

// HTTPConfig holds the status API listener configuration
type HTTPConfig struct {
	Addr      string          `yaml:"addr" toml:"addr"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data), filepath.Ext(path) == ".toml")
}

// Parse decodes configuration text, applies defaults, and validates it.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment. Missing files are ignored; variables already
// set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
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

// applyEnvOverrides fills identity fields left empty in the file.
func applyEnvOverrides(cfg *Config) error {
	if cfg.Bot.AdminID == 0 {
		if v := os.Getenv("CONDOR_ADMIN_ID"); v != "" {
			id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing CONDOR_ADMIN_ID %q: %w", v, err)
			}
			cfg.Bot.AdminID = id
		}
	}
	if cfg.Bot.Token == "" {
		cfg.Bot.Token = os.Getenv("CONDOR_BOT_TOKEN")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverYAML
	}
	if cfg.Pool.ProbeTimeoutRaw == "" {
		cfg.Pool.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Pool.ProbeIntervalRaw == "" {
		cfg.Pool.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Pool.StaleAfterRaw == "" {
		cfg.Pool.StaleAfter = DefaultStaleAfter
	}
	if cfg.Flows.IdleTimeoutRaw == "" {
		cfg.Flows.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Flows.SweepIntervalRaw == "" {
		cfg.Flows.SweepInterval = DefaultSweepInterval
	}
	if cfg.Flows.CallbackTTLRaw == "" {
		cfg.Flows.CallbackTTL = DefaultCallbackTTL
	}
	if cfg.Matrix.CommandPrefix == "" {
		cfg.Matrix.CommandPrefix = DefaultCommandPrefix
	}
	if cfg.Matrix.AccessToken == "" && cfg.Matrix.Password == "" {
		cfg.Matrix.AccessToken = cfg.Bot.Token
	}
	if cfg.HTTP.Tailscale.Enabled && cfg.HTTP.Tailscale.Hostname == "" {
		cfg.HTTP.Tailscale.Hostname = "condor"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverYAML, DriverSQLite:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverYAML, DriverSQLite, c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Bot.AdminID < 0 {
		return fmt.Errorf("bot.admin_id must be positive")
	}

	if c.Pool.ProbeTimeout < MinProbeTimeout || c.Pool.ProbeTimeout > MaxProbeTimeout {
		return fmt.Errorf("pool.probe_timeout must be between %s and %s, got %s",
			MinProbeTimeout, MaxProbeTimeout, c.Pool.ProbeTimeout)
	}
	if c.Pool.ProbeInterval <= 0 {
		return fmt.Errorf("pool.probe_interval must be positive")
	}
	if c.Pool.StaleAfter <= 0 {
		return fmt.Errorf("pool.stale_after must be positive")
	}

	if c.Flows.IdleTimeout <= 0 {
		return fmt.Errorf("flows.idle_timeout must be positive")
	}
	if c.Flows.SweepInterval <= 0 {
		return fmt.Errorf("flows.sweep_interval must be positive")
	}
	if c.Flows.CallbackTTL <= 0 {
		return fmt.Errorf("flows.callback_ttl must be positive")
	}

	if c.Matrix.Enabled() {
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix.homeserver is set")
		}
		if c.Matrix.AccessToken == "" && c.Matrix.Password == "" {
			return fmt.Errorf("matrix.access_token or matrix.password is required")
		}
	}

	if c.HTTP.Tailscale.Enabled && c.HTTP.Tailscale.StateDir == "" {
		return fmt.Errorf("http.tailscale.state_dir is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
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
		{"pool.probe_timeout", cfg.Pool.ProbeTimeoutRaw, &cfg.Pool.ProbeTimeout},
		{"pool.probe_interval", cfg.Pool.ProbeIntervalRaw, &cfg.Pool.ProbeInterval},
		{"pool.stale_after", cfg.Pool.StaleAfterRaw, &cfg.Pool.StaleAfter},
		{"flows.idle_timeout", cfg.Flows.IdleTimeoutRaw, &cfg.Flows.IdleTimeout},
		{"flows.sweep_interval", cfg.Flows.SweepIntervalRaw, &cfg.Flows.SweepInterval},
		{"flows.callback_ttl", cfg.Flows.CallbackTTLRaw, &cfg.Flows.CallbackTTL},
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
