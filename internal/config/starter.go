// ABOUTME: Starter configuration file generation for `condor init`
// ABOUTME: Renders a commented YAML template from a handful of prompted values

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// ErrExists is returned by WriteStarter when the target file already exists.
var ErrExists = errors.New("config file already exists")

// Starter holds the values collected by `condor init`.
type Starter struct {
	AdminID    int64
	Driver     string
	StorePath  string
	SecretsKey string
	Homeserver string
	MatrixUser string
	HTTPAddr   string
}

var starterTemplate = template.Must(template.New("starter").Parse(`# condor configuration
# Values of the form ${VAR} are read from the environment.

bot:
  admin_id: {{if .AdminID}}{{.AdminID}}{{else}}${CONDOR_ADMIN_ID}{{end}}
  token: "${CONDOR_BOT_TOKEN}"

storage:
  driver: "{{.Driver}}"
  path: "{{.StorePath}}"
  secrets_key: "{{.SecretsKey}}"

pool:
  probe_timeout: "5s"
  probe_interval: "60s"
  stale_after: "2m"

flows:
  idle_timeout: "10m"
  sweep_interval: "30s"
  callback_ttl: "30m"
{{if .Homeserver}}
matrix:
  homeserver: "{{.Homeserver}}"
  user_id: "{{.MatrixUser}}"
  access_token: "${MATRIX_ACCESS_TOKEN}"
  encryption: true
  command_prefix: "!"
  typing_indicator: true
{{end}}
http:
  addr: "{{.HTTPAddr}}"
  tailscale:
    enabled: false
    hostname: "condor"
    auth_key: "${TS_AUTHKEY}"

logging:
  level: "info"
  format: "text"
`))

// Render returns the starter file contents.
func (s Starter) Render() ([]byte, error) {
	if s.Driver == "" {
		s.Driver = DriverYAML
	}
	var buf bytes.Buffer
	if err := starterTemplate.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("rendering starter config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteStarter writes the rendered starter file to path with mode 0600.
// An existing file is never overwritten.
func WriteStarter(path string, s Starter) error {
	data, err := s.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
		return fmt.Errorf("creating config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}
