package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Scan      ScanConfig      `yaml:"scan"`
	Connect   ConnectConfig   `yaml:"connect"`
	Provision ProvisionConfig `yaml:"provision"`
	Server    ServerConfig    `yaml:"server"`
}

// AdapterConfig selects the local controller.
type AdapterConfig struct {
	ID string `yaml:"id"` // BlueZ adapter name, e.g. "hci0"
}

// ScanConfig holds the discovery duty cycle.
type ScanConfig struct {
	ActiveWindow    time.Duration `yaml:"active_window"`
	IdleWindow      time.Duration `yaml:"idle_window"`
	SessionDeadline time.Duration `yaml:"session_deadline"`
	RequireName     bool          `yaml:"require_name"`
}

// ConnectConfig bounds connection operations.
type ConnectConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
}

// ProvisionConfig holds the firmware's provisioning GATT contract.
type ProvisionConfig struct {
	ServiceUUID         string `yaml:"service_uuid"`
	CredentialsCharUUID string `yaml:"credentials_char_uuid"`
	StatusCharUUID      string `yaml:"status_char_uuid"`
	Encoding            string `yaml:"encoding"` // "base64" or "raw"
	DerivePSK           bool   `yaml:"derive_psk"`
}

// ServerConfig holds the observation server settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the values shipping firmware expects.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Adapter: AdapterConfig{
			ID: "hci0",
		},
		Scan: ScanConfig{
			ActiveWindow:    30 * time.Second,
			IdleWindow:      30 * time.Second,
			SessionDeadline: 5 * time.Minute,
			RequireName:     true,
		},
		Connect: ConnectConfig{
			Timeout:           10 * time.Second,
			ReadTimeout:       5 * time.Second,
			OperationTimeout:  10 * time.Second,
			DisconnectTimeout: 5 * time.Second,
		},
		Provision: ProvisionConfig{
			ServiceUUID:         "5678def0-5678-1234-1234-56789abc0000",
			CredentialsCharUUID: "5678def1-5678-1234-1234-56789abc0000",
			StatusCharUUID:      "5678def2-5678-1234-1234-56789abc0000",
			Encoding:            "base64",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8086",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in path is expanded.
func Load(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding config path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter.ID == "" {
		return fmt.Errorf("adapter.id must not be empty")
	}

	if c.Scan.ActiveWindow <= 0 {
		return fmt.Errorf("scan.active_window must be > 0")
	}
	if c.Scan.IdleWindow <= 0 {
		return fmt.Errorf("scan.idle_window must be > 0")
	}
	if c.Scan.SessionDeadline < c.Scan.ActiveWindow {
		return fmt.Errorf("scan.session_deadline (%s) must be >= scan.active_window (%s)",
			c.Scan.SessionDeadline, c.Scan.ActiveWindow)
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}
	if c.Connect.ReadTimeout <= 0 {
		return fmt.Errorf("connect.read_timeout must be > 0")
	}
	if c.Connect.OperationTimeout <= 0 {
		return fmt.Errorf("connect.operation_timeout must be > 0")
	}
	if c.Connect.DisconnectTimeout <= 0 {
		return fmt.Errorf("connect.disconnect_timeout must be > 0")
	}

	uuids := []struct {
		key, value string
	}{
		{"provision.service_uuid", c.Provision.ServiceUUID},
		{"provision.credentials_char_uuid", c.Provision.CredentialsCharUUID},
		{"provision.status_char_uuid", c.Provision.StatusCharUUID},
	}
	for _, u := range uuids {
		// ParseUUID also accepts 16-bit short forms.
		if len(u.value) != 36 {
			return fmt.Errorf("%s must be a 128-bit UUID, got %q", u.key, u.value)
		}
		if _, err := bluetooth.ParseUUID(u.value); err != nil {
			return fmt.Errorf("%s must be a 128-bit UUID, got %q: %w", u.key, u.value, err)
		}
	}

	switch c.Provision.Encoding {
	case "base64", "raw":
	default:
		return fmt.Errorf("provision.encoding must be \"base64\" or \"raw\", got %q", c.Provision.Encoding)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# blelink configuration
# Durations use Go syntax (30s, 5m). See "blelink --help".
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
