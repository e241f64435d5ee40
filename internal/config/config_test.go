// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
storage:
  path: "./condor.yaml"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "condor.yaml", `
bot:
  admin_id: 12345
  token: "bot-token"

storage:
  driver: "sqlite"
  path: "/var/lib/condor/condor.db"
  secrets_key: "/var/lib/condor/.secrets.key"

pool:
  probe_timeout: "3s"
  probe_interval: "45s"
  stale_after: "90s"

flows:
  idle_timeout: "5m"
  sweep_interval: "10s"
  callback_ttl: "1h"

matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@condor:example.org"
  access_token: "syt_token"
  encryption: true
  allowed_rooms:
    - "!ops:example.org"
  admin_room: "!admin:example.org"
  command_prefix: "/"
  typing_indicator: true

http:
  addr: "127.0.0.1:8090"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bot.AdminID != 12345 {
		t.Errorf("Bot.AdminID = %d, want 12345", cfg.Bot.AdminID)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverSQLite)
	}
	if cfg.Pool.ProbeTimeout != 3*time.Second {
		t.Errorf("Pool.ProbeTimeout = %v, want 3s", cfg.Pool.ProbeTimeout)
	}
	if cfg.Pool.StaleAfter != 90*time.Second {
		t.Errorf("Pool.StaleAfter = %v, want 90s", cfg.Pool.StaleAfter)
	}
	if cfg.Flows.CallbackTTL != time.Hour {
		t.Errorf("Flows.CallbackTTL = %v, want 1h", cfg.Flows.CallbackTTL)
	}
	if !cfg.Matrix.Enabled() {
		t.Error("Matrix.Enabled() = false, want true")
	}
	if cfg.Matrix.CommandPrefix != "/" {
		t.Errorf("Matrix.CommandPrefix = %q, want %q", cfg.Matrix.CommandPrefix, "/")
	}
	if len(cfg.Matrix.AllowedRooms) != 1 || cfg.Matrix.AllowedRooms[0] != "!ops:example.org" {
		t.Errorf("Matrix.AllowedRooms = %v", cfg.Matrix.AllowedRooms)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8090" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "condor.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"probe_timeout", cfg.Pool.ProbeTimeout, DefaultProbeTimeout},
		{"probe_interval", cfg.Pool.ProbeInterval, DefaultProbeInterval},
		{"stale_after", cfg.Pool.StaleAfter, DefaultStaleAfter},
		{"idle_timeout", cfg.Flows.IdleTimeout, DefaultIdleTimeout},
		{"sweep_interval", cfg.Flows.SweepInterval, DefaultSweepInterval},
		{"callback_ttl", cfg.Flows.CallbackTTL, DefaultCallbackTTL},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Storage.Driver != DriverYAML {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverYAML)
	}
	if cfg.Matrix.CommandPrefix != DefaultCommandPrefix {
		t.Errorf("Matrix.CommandPrefix = %q, want %q", cfg.Matrix.CommandPrefix, DefaultCommandPrefix)
	}
	if cfg.Matrix.Enabled() {
		t.Error("Matrix should be disabled without a homeserver")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "condor.toml", `
[bot]
admin_id = 42

[storage]
driver = "yaml"
path = "/tmp/condor.yaml"

[pool]
probe_timeout = "2s"

[matrix]
homeserver = "https://matrix.example.org"
user_id = "@condor:example.org"
password = "secret"
allowed_rooms = ["!a:example.org", "!b:example.org"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bot.AdminID != 42 {
		t.Errorf("Bot.AdminID = %d, want 42", cfg.Bot.AdminID)
	}
	if cfg.Pool.ProbeTimeout != 2*time.Second {
		t.Errorf("Pool.ProbeTimeout = %v, want 2s", cfg.Pool.ProbeTimeout)
	}
	if len(cfg.Matrix.AllowedRooms) != 2 {
		t.Errorf("Matrix.AllowedRooms = %v, want 2 entries", cfg.Matrix.AllowedRooms)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MATRIX_TOKEN", "matrix-from-env")
	t.Setenv("TEST_STORE_PATH", "/data/condor.yaml")

	cfg, err := Load(writeConfig(t, "condor.yaml", `
storage:
  path: "${TEST_STORE_PATH}"
matrix:
  homeserver: "https://matrix.org"
  user_id: "@bot:matrix.org"
  access_token: "${TEST_MATRIX_TOKEN}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.AccessToken != "matrix-from-env" {
		t.Errorf("Matrix.AccessToken = %q, want %q", cfg.Matrix.AccessToken, "matrix-from-env")
	}
	if cfg.Storage.Path != "/data/condor.yaml" {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "/data/condor.yaml")
	}
}

func TestLoad_AdminIDFromEnvironment(t *testing.T) {
	t.Setenv("CONDOR_ADMIN_ID", "777")
	t.Setenv("CONDOR_BOT_TOKEN", "tok")

	cfg, err := Load(writeConfig(t, "condor.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bot.AdminID != 777 {
		t.Errorf("Bot.AdminID = %d, want 777", cfg.Bot.AdminID)
	}
	if cfg.Bot.Token != "tok" {
		t.Errorf("Bot.Token = %q, want tok", cfg.Bot.Token)
	}

	t.Setenv("CONDOR_ADMIN_ID", "not-a-number")
	if _, err := Load(writeConfig(t, "condor.yaml", minimalYAML)); err == nil {
		t.Error("Load() expected error for malformed CONDOR_ADMIN_ID")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/condor.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "condor.yaml", "storage: [unclosed"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "condor.yaml", minimalYAML+`
pool:
  probe_interval: "soon"
`))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "pool.probe_interval") {
		t.Errorf("error = %q, want mention of pool.probe_interval", err.Error())
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{Storage: StorageConfig{Path: "./condor.yaml"}}
		applyDefaults(&cfg)
		return cfg
	}

	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErrSubstr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"storage path required", func(c *Config) { c.Storage.Path = "" }, "storage.path is required"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"probe timeout too small", func(c *Config) { c.Pool.ProbeTimeout = 500 * time.Millisecond }, "pool.probe_timeout"},
		{"probe timeout too large", func(c *Config) { c.Pool.ProbeTimeout = 2 * time.Minute }, "pool.probe_timeout"},
		{"probe timeout at bounds", func(c *Config) { c.Pool.ProbeTimeout = MaxProbeTimeout }, ""},
		{"negative admin", func(c *Config) { c.Bot.AdminID = -1 }, "bot.admin_id"},
		{"matrix needs user", func(c *Config) { c.Matrix.Homeserver = "https://m.org" }, "matrix.user_id"},
		{
			"matrix needs credentials",
			func(c *Config) { c.Matrix.Homeserver = "https://m.org"; c.Matrix.UserID = "@b:m.org" },
			"matrix.access_token or matrix.password",
		},
		{
			"tailscale needs state dir",
			func(c *Config) { c.HTTP.Tailscale.Enabled = true; c.HTTP.Tailscale.Hostname = "condor" },
			"http.tailscale.state_dir",
		},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErrSubstr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR_FOR_CONDOR_TEST}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("CONDOR_DOTENV_TEST=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONDOR_DOTENV_TEST", "")
	os.Unsetenv("CONDOR_DOTENV_TEST")

	if err := LoadDotEnv(envPath, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("CONDOR_DOTENV_TEST"); got != "from-file" {
		t.Errorf("CONDOR_DOTENV_TEST = %q, want from-file", got)
	}
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "condor", "condor.yaml")
	starter := Starter{
		AdminID:    99,
		StorePath:  "/tmp/condor-store.yaml",
		Homeserver: "https://matrix.example.org",
		MatrixUser: "@condor:example.org",
		HTTPAddr:   "127.0.0.1:8090",
	}

	if err := WriteStarter(path, starter); err != nil {
		t.Fatalf("WriteStarter() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	t.Setenv("MATRIX_ACCESS_TOKEN", "tok")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of starter config error = %v", err)
	}
	if cfg.Bot.AdminID != 99 {
		t.Errorf("Bot.AdminID = %d, want 99", cfg.Bot.AdminID)
	}
	if cfg.Matrix.UserID != "@condor:example.org" {
		t.Errorf("Matrix.UserID = %q", cfg.Matrix.UserID)
	}

	if err := WriteStarter(path, starter); !errors.Is(err, ErrExists) {
		t.Errorf("second WriteStarter() error = %v, want ErrExists", err)
	}
}

func TestLoad_BotTokenIsMatrixFallback(t *testing.T) {
	t.Setenv("CONDOR_BOT_TOKEN", "syt_fallback")

	cfg, err := Load(writeConfig(t, "condor.yaml", `
storage:
  path: "/tmp/condor.yaml"
matrix:
  homeserver: "https://matrix.org"
  user_id: "@bot:matrix.org"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.AccessToken != "syt_fallback" {
		t.Errorf("Matrix.AccessToken = %q, want syt_fallback", cfg.Matrix.AccessToken)
	}
}
