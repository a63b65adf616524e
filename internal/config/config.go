package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvConfigDir      = "EDUHIRE_CONFIG_DIR"
	EnvServerURL      = "EDUHIRE_SERVER_URL"
	EnvStorageBackend = "EDUHIRE_STORAGE_BACKEND"
	EnvLogLevel       = "EDUHIRE_LOG_LEVEL"
)

// Storage backends
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

const (
	DefaultServerURL        = "http://localhost:8080"
	DefaultTimeout          = 10 * time.Second
	DefaultRefreshThreshold = time.Minute
)

// Config holds the agent configuration
type Config struct {
	Server struct {
		URL       string   `yaml:"url"`
		Timeout   Duration `yaml:"timeout"`
		RateLimit float64  `yaml:"rate_limit,omitempty"`
	} `yaml:"server"`
	Storage struct {
		Backend   string `yaml:"backend"`
		Directory string `yaml:"directory"`
	} `yaml:"storage"`
	Session struct {
		RefreshThreshold Duration `yaml:"refresh_threshold"`
	} `yaml:"session"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Duration is a time.Duration written as "10s" in YAML
type Duration time.Duration

// MarshalYAML writes the duration in Go notation
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "10s" style strings
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{}
	cfg.Server.URL = DefaultServerURL
	cfg.Server.Timeout = Duration(DefaultTimeout)
	cfg.Storage.Backend = BackendKeyring
	cfg.Storage.Directory = GetConfigDir()
	cfg.Session.RefreshThreshold = Duration(DefaultRefreshThreshold)
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load reads ./.env, the config file and environment overrides, in that order
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFile(GetConfigPath())
}

// LoadFile reads the config at path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv(EnvStorageBackend); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server URL must include a host")
	}

	if c.Server.Timeout < 0 {
		return errors.New("server timeout cannot be negative")
	}
	if c.Session.RefreshThreshold < 0 {
		return errors.New("refresh threshold cannot be negative")
	}

	switch c.Storage.Backend {
	case "", BackendKeyring, BackendFile, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q (want keyring, file or memory)", c.Storage.Backend)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Logging.Format)
	}
	return nil
}

// IsInsecure reports whether credentials would travel in clear text to a
// non-loopback host
func (c *Config) IsInsecure() bool {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

// CredentialsPath is the plain-text credential file used by the file backend
// and as the keyring fallback
func (c *Config) CredentialsPath() string {
	dir := c.Storage.Directory
	if dir == "" {
		dir = GetConfigDir()
	}
	return filepath.Join(dir, "credentials.yaml")
}

// Save writes the configuration to the config file
func (c *Config) Save() error {
	return c.SaveTo(GetConfigPath())
}

// SaveTo writes the configuration to path
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Set updates a single "section.field" key
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "" || field == "" {
		return fmt.Errorf("invalid key format. Expected format: section.field (e.g., server.url)")
	}

	switch section {
	case "server":
		switch field {
		case "url":
			c.Server.URL = value
		case "timeout":
			return setDuration(&c.Server.Timeout, value)
		default:
			return fmt.Errorf("unknown server field: %s", field)
		}
	case "storage":
		switch field {
		case "backend":
			c.Storage.Backend = value
		case "directory":
			c.Storage.Directory = value
		default:
			return fmt.Errorf("unknown storage field: %s", field)
		}
	case "session":
		switch field {
		case "refresh_threshold":
			return setDuration(&c.Session.RefreshThreshold, value)
		default:
			return fmt.Errorf("unknown session field: %s", field)
		}
	case "logging":
		switch field {
		case "level":
			c.Logging.Level = value
		case "format":
			c.Logging.Format = value
		default:
			return fmt.Errorf("unknown logging field: %s", field)
		}
	default:
		return fmt.Errorf("unknown config section: %s", section)
	}
	return nil
}

func setDuration(dst *Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*dst = Duration(d)
	return nil
}

// Keys lists the settable keys with a short description each
func Keys() []string {
	return []string{
		"server.url\tBackend base URL",
		"server.timeout\tPer-request timeout (e.g. 10s)",
		"storage.backend\tCredential storage: keyring, file or memory",
		"storage.directory\tDirectory for the plain credential file",
		"session.refresh_threshold\tRefresh tokens expiring within this window (e.g. 1m)",
		"logging.level\tLogging level (debug, info, warn, error)",
		"logging.format\tLog format (text, json)",
	}
}

// GetConfigDir returns the configuration directory
func GetConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eduhire"
	}
	return filepath.Join(home, ".eduhire")
}

// GetConfigPath returns the configuration file path
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}
