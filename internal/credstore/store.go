// Package credstore persists the session credentials.
//
// Values are JSON-encoded and written to a primary (encrypting) keychain.
// Any failure of the primary falls back to a plain keychain; when that fails
// too the operation is logged and dropped.
package credstore

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/eduhire/agent/internal/keychain"
	"github.com/eduhire/agent/internal/obs"
)

// Fixed storage keys. ClearAll removes exactly these.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyRememberMe   = "remember_me"

	selfTestKey = "__eduhire_storage_test__"
)

// Keys lists every key owned by the store.
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyRememberMe}

// Store wraps a primary keychain with a plain fallback.
type Store struct {
	primary  keychain.Keychain
	fallback keychain.Keychain
	logger   *slog.Logger
}

// New creates a store. fallback may be nil.
func New(primary, fallback keychain.Keychain, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{primary: primary, fallback: fallback, logger: logger}
}

// Open creates a store and runs SelfTest once.
func Open(primary, fallback keychain.Keychain, logger *slog.Logger) *Store {
	s := New(primary, fallback, logger)
	s.SelfTest()
	return s
}

// SelfTest writes and reads back a throwaway value on the primary backend
// and logs a warning when the round-trip fails. It never blocks startup.
func (s *Store) SelfTest() bool {
	const sentinel = "ok"
	if err := s.primary.Set(selfTestKey, sentinel); err != nil {
		s.logger.Warn("primary credential storage unavailable, using fallback", "error", err)
		return false
	}
	defer func() { _ = s.primary.Delete(selfTestKey) }()

	got, err := s.primary.Get(selfTestKey)
	if err != nil || got != sentinel {
		s.logger.Warn("primary credential storage round-trip failed, using fallback", "error", err)
		return false
	}
	return true
}

// Set JSON-encodes value and stores it under key.
func (s *Store) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	err = s.primary.Set(key, string(data))
	if err == nil {
		// Keep the fallback from shadowing a newer primary value.
		if s.fallback != nil {
			_ = s.fallback.Delete(key)
		}
		return nil
	}

	s.logger.Warn("primary credential write failed", "key", key, "error", err)
	if s.fallback == nil {
		return nil
	}
	obs.ObserveFallback("set")
	if ferr := s.fallback.Set(key, string(data)); ferr != nil {
		s.logger.Error("fallback credential write failed", "key", key, "error", ferr)
		return nil
	}
	// Reads prefer the primary, so an older value left there would shadow this one.
	if derr := s.primary.Delete(key); derr != nil && !errors.Is(derr, keychain.ErrNotFound) {
		s.logger.Warn("stale primary credential not removed", "key", key, "error", derr)
	}
	return nil
}

func (s *Store) raw(key string) (string, bool) {
	value, err := s.primary.Get(key)
	if err == nil {
		return value, true
	}
	if !errors.Is(err, keychain.ErrNotFound) {
		s.logger.Warn("primary credential read failed", "key", key, "error", err)
	}
	if s.fallback == nil {
		return "", false
	}

	value, ferr := s.fallback.Get(key)
	if ferr != nil {
		if !errors.Is(ferr, keychain.ErrNotFound) {
			s.logger.Error("fallback credential read failed", "key", key, "error", ferr)
		}
		return "", false
	}
	obs.ObserveFallback("get")
	return value, true
}

// Get decodes the value stored under key into out. It reports false when the
// key is missing or the stored value cannot be decoded.
func (s *Store) Get(key string, out any) bool {
	value, ok := s.raw(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		s.logger.Warn("discarding undecodable credential", "key", key, "error", err)
		return false
	}
	return true
}

// GetString is Get for string values. Empty strings are reported as missing.
func (s *Store) GetString(key string) (string, bool) {
	var value string
	if !s.Get(key, &value) || value == "" {
		return "", false
	}
	return value, true
}

// Remove deletes key from both backends.
func (s *Store) Remove(key string) {
	if err := s.primary.Delete(key); err != nil {
		s.logger.Warn("primary credential delete failed", "key", key, "error", err)
	}
	if s.fallback != nil {
		if err := s.fallback.Delete(key); err != nil {
			s.logger.Error("fallback credential delete failed", "key", key, "error", err)
		}
	}
}

// ClearAll removes every key in Keys.
func (s *Store) ClearAll() {
	for _, key := range Keys {
		s.Remove(key)
	}
}

// AccessToken returns the stored access token.
func (s *Store) AccessToken() (string, bool) {
	return s.GetString(KeyAccessToken)
}

// RefreshToken returns the stored refresh token.
func (s *Store) RefreshToken() (string, bool) {
	return s.GetString(KeyRefreshToken)
}

// SaveTokens stores a token pair. An empty refresh token leaves the stored one untouched.
func (s *Store) SaveTokens(accessToken, refreshToken string) error {
	if err := s.Set(KeyAccessToken, accessToken); err != nil {
		return err
	}
	if refreshToken == "" {
		return nil
	}
	return s.Set(KeyRefreshToken, refreshToken)
}
