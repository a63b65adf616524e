package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		envValue  string
		wantURL   string
		wantError bool
	}{
		{
			name:      "default URL when env not set",
			envValue:  "",
			wantURL:   "http://localhost:8080",
			wantError: false,
		},
		{
			name:      "custom URL from environment",
			envValue:  "http://custom:9000",
			wantURL:   "http://custom:9000",
			wantError: false,
		},
		{
			name:      "invalid URL from environment",
			envValue:  "ftp://custom",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigDir, t.TempDir())
			t.Setenv(EnvServerURL, tt.envValue)

			cfg, err := LoadFile(GetConfigPath())

			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("expected no error, got %v", err)
			}

			if !tt.wantError && cfg.Server.URL != tt.wantURL {
				t.Errorf("expected ServerURL %s, got %s", tt.wantURL, cfg.Server.URL)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvStorageBackend, "")
	t.Setenv(EnvLogLevel, "debug")

	content := `server:
  url: https://api.eduhire.example
  timeout: 3s
storage:
  backend: file
session:
  refresh_threshold: 2m
logging:
  level: info
  format: json
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.URL != "https://api.eduhire.example" {
		t.Errorf("unexpected server URL %s", cfg.Server.URL)
	}
	if cfg.Server.Timeout.Std() != 3*time.Second {
		t.Errorf("expected 3s timeout, got %s", cfg.Server.Timeout.Std())
	}
	if cfg.Storage.Backend != BackendFile {
		t.Errorf("expected file backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Directory != dir {
		t.Errorf("expected default storage directory %s, got %s", dir, cfg.Storage.Directory)
	}
	if cfg.Session.RefreshThreshold.Std() != 2*time.Minute {
		t.Errorf("expected 2m threshold, got %s", cfg.Session.RefreshThreshold.Std())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override for log level, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %s", cfg.Logging.Format)
	}
}

func TestLoadFile_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  timeout: soon\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(EnvConfigDir, t.TempDir())
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvStorageBackend, "")
	t.Setenv(EnvLogLevel, "")

	cfg := Default()
	if err := cfg.Set("server.url", "https://api.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Set("session.refresh_threshold", "90s"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(GetConfigPath())
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %o", info.Mode().Perm())
	}

	data, _ := os.ReadFile(GetConfigPath())
	if !strings.Contains(string(data), "refresh_threshold: 1m30s") {
		t.Errorf("expected human-readable duration, got:\n%s", data)
	}

	loaded, err := LoadFile(GetConfigPath())
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if loaded.Server.URL != "https://api.example.com" || loaded.Session.RefreshThreshold.Std() != 90*time.Second {
		t.Errorf("unexpected round-trip result: %+v", loaded)
	}
}

func TestSet(t *testing.T) {
	tests := []struct {
		key       string
		value     string
		wantError bool
	}{
		{key: "server.url", value: "https://x.example"},
		{key: "server.timeout", value: "5s"},
		{key: "server.timeout", value: "five", wantError: true},
		{key: "storage.backend", value: "memory"},
		{key: "storage.directory", value: "/tmp/eduhire"},
		{key: "logging.format", value: "json"},
		{key: "logging.colour", value: "on", wantError: true},
		{key: "profiles.directory", value: "/tmp", wantError: true},
		{key: "server", value: "x", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := Default().Set(tt.key, tt.value)
			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestCredentialsPath(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Directory = "/var/lib/eduhire"
	if got := cfg.CredentialsPath(); got != filepath.Join("/var/lib/eduhire", "credentials.yaml") {
		t.Errorf("unexpected credentials path %s", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		wantError bool
	}{
		{
			name:      "valid http URL",
			serverURL: "http://localhost:8080",
			wantError: false,
		},
		{
			name:      "valid https URL",
			serverURL: "https://api.example.com",
			wantError: false,
		},
		{
			name:      "valid https URL with port",
			serverURL: "https://api.example.com:8443",
			wantError: false,
		},
		{
			name:      "empty server URL",
			serverURL: "",
			wantError: true,
		},
		{
			name:      "invalid scheme ftp",
			serverURL: "ftp://example.com",
			wantError: true,
		},
		{
			name:      "missing scheme",
			serverURL: "example.com:8080",
			wantError: true,
		},
		{
			name:      "missing host",
			serverURL: "http://",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Server.URL = tt.serverURL
			err := cfg.Validate()

			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestIsInsecure(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		insecure  bool
	}{
		{
			name:      "http localhost is secure",
			serverURL: "http://localhost:8080",
			insecure:  false,
		},
		{
			name:      "http 127.0.0.1 is secure",
			serverURL: "http://127.0.0.1:8080",
			insecure:  false,
		},
		{
			name:      "http ::1 is secure",
			serverURL: "http://[::1]:8080",
			insecure:  false,
		},
		{
			name:      "https remote is secure",
			serverURL: "https://api.example.com",
			insecure:  false,
		},
		{
			name:      "http remote is insecure",
			serverURL: "http://api.example.com",
			insecure:  true,
		},
		{
			name:      "http remote with port is insecure",
			serverURL: "http://api.example.com:8080",
			insecure:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Server.URL = tt.serverURL
			result := cfg.IsInsecure()

			if result != tt.insecure {
				t.Errorf("expected IsInsecure()=%v, got %v", tt.insecure, result)
			}
		})
	}
}

func TestValidate_StorageAndLogging(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "vault"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown storage backend")
	}

	cfg = Default()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log format")
	}

	cfg = Default()
	cfg.Session.RefreshThreshold = Duration(-time.Second)
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative threshold")
	}
}
