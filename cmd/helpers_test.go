package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/config"
	"github.com/eduhire/agent/internal/devserver"
	"github.com/eduhire/agent/internal/keychain"
	"github.com/eduhire/agent/internal/obs"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "password123"

// setupTestConfig points the config at a temp dir and writes a config file
// for serverURL. It returns the config directory.
func setupTestConfig(t *testing.T, serverURL string) string {
	t.Helper()
	configDir := t.TempDir()
	t.Setenv(config.EnvConfigDir, configDir)
	t.Setenv(config.EnvServerURL, "")
	t.Setenv(config.EnvStorageBackend, "")
	t.Setenv(config.EnvLogLevel, "")

	configYAML := `server:
  url: ` + serverURL + `
  timeout: 5s
storage:
  backend: memory
  directory: ` + configDir + `
logging:
  level: error
`
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configYAML), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configDir
}

// useMemoryKeychain makes every command in the test share one in-memory keychain.
func useMemoryKeychain(t *testing.T) *keychain.MemoryKeychain {
	t.Helper()
	mockKC := keychain.NewMemoryKeychain()
	origFactory := keychainFactory
	keychainFactory = func(*config.Config) (keychain.Keychain, keychain.Keychain) {
		return mockKC, nil
	}
	t.Cleanup(func() {
		keychainFactory = origFactory
	})
	return mockKC
}

// runCommand executes sub under a fresh root and returns combined output.
func runCommand(t *testing.T, sub *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "eduhire", SilenceUsage: true}
	cmd.AddCommand(sub)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

type otpInbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (o *otpInbox) deliver(email, code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.codes[email] = code
}

func (o *otpInbox) code(email string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.codes[email]
}

type testBackend struct {
	srv   *devserver.Server
	url   string
	inbox *otpInbox
	close func()
}

// newTestBackend starts a devserver and writes a config pointing at it.
func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	inbox := &otpInbox{codes: make(map[string]string)}
	srv, err := devserver.New(devserver.Config{
		Secret:     []byte("cmd-test-secret-0123456789abcdefghij"),
		AccessTTL:  time.Minute,
		BcryptCost: bcrypt.MinCost,
		Logger:     obs.Discard(),
		OTPSink:    inbox.deliver,
	})
	if err != nil {
		t.Fatalf("devserver.New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	var once sync.Once
	b := &testBackend{srv: srv, url: ts.URL, inbox: inbox, close: func() {
		once.Do(func() {
			ts.Close()
			srv.Close()
		})
	}}
	t.Cleanup(b.close)

	setupTestConfig(t, ts.URL)
	return b
}

func (b *testBackend) seed(t *testing.T, email string, role api.Role, verified, complete bool) {
	t.Helper()
	if _, err := b.srv.Seed(devserver.SeedUser{
		Email:             email,
		Password:          testPassword,
		FirstName:         "Test",
		LastName:          "User",
		Role:              role,
		IsEmailVerified:   verified,
		IsProfileComplete: complete,
	}); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
}

// login signs email in through the login command.
func login(t *testing.T, email string) {
	t.Helper()
	if out, err := runCommand(t, loginCmd, "", "login", "--email", email, "--password", testPassword); err != nil {
		t.Fatalf("login command failed: %v\n%s", err, out)
	}
}
