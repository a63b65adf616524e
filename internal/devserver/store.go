package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eduhire/agent/internal/api"
	"github.com/google/uuid"
)

var (
	ErrEmailTaken   = errors.New("email already registered")
	ErrUserNotFound = errors.New("user not found")
)

// Store keeps users, refresh tokens and pending OTP codes in memory
type Store struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]*User
	byEmail map[string]uuid.UUID
	tokens  map[string]*RefreshToken
	otps    map[string]otpCode
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		users:   make(map[uuid.UUID]*User),
		byEmail: make(map[string]uuid.UUID),
		tokens:  make(map[string]*RefreshToken),
		otps:    make(map[string]otpCode),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser adds u, assigning an ID when it has none
func (s *Store) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := normalizeEmail(u.Email)
	if _, ok := s.byEmail[email]; ok {
		return ErrEmailTaken
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = email
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return nil
}

// UserByEmail returns a copy of the user registered under email
func (s *Store) UserByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *s.users[id]
	return &u, nil
}

// UserByID returns a copy of the user with id
func (s *Store) UserByID(id string) (*User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[uid]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// UpdateUser applies fn to the stored user and returns a copy of the result
func (s *Store) UpdateUser(id uuid.UUID, fn func(*User) error) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	if err := fn(u); err != nil {
		return nil, err
	}
	u.UpdatedAt = time.Now()
	c := *u
	return &c, nil
}

// StoreRefreshToken records rt
func (s *Store) StoreRefreshToken(rt *RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[rt.TokenHash] = rt
}

// RotateRefreshToken revokes the token with hash and reports the record it
// replaced. Revoked, expired and unknown tokens are rejected.
func (s *Store) RotateRefreshToken(hash string, now time.Time) (*RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[hash]
	if !ok || rt.RevokedAt != nil || !now.Before(rt.ExpiresAt) {
		return nil, false
	}
	rt.RevokedAt = &now
	c := *rt
	return &c, true
}

// RevokeUserTokens revokes every refresh token of userID
func (s *Store) RevokeUserTokens(userID uuid.UUID, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rt := range s.tokens {
		if rt.UserID == userID && rt.RevokedAt == nil {
			rt.RevokedAt = &now
			n++
		}
	}
	return n
}

// PutOTP replaces the pending code for email
func (s *Store) PutOTP(email, code string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otps[normalizeEmail(email)] = otpCode{code: code, expiresAt: expiresAt}
}

// ConsumeOTP reports whether code matches the pending code for email. A
// matching code is used up.
func (s *Store) ConsumeOTP(email, code string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(email)
	pending, ok := s.otps[key]
	if !ok {
		return false
	}
	if !now.Before(pending.expiresAt) {
		delete(s.otps, key)
		return false
	}
	if pending.code != code {
		return false
	}
	delete(s.otps, key)
	return true
}

// Users returns every account ordered by email
func (s *Store) Users() []api.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Wire())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}
