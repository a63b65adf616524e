package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/credstore"
	"github.com/eduhire/agent/internal/events"
	"github.com/eduhire/agent/internal/token"
	"golang.org/x/sync/semaphore"
)

// logoutTimeout bounds the best-effort backend logout.
const logoutTimeout = 5 * time.Second

// Manager owns the session state. Construct one per process and pass it to
// whatever needs to read or change the session.
//
// Operations that change who is signed in run one at a time. The credential
// store is always written before the in-memory state changes.
type Manager struct {
	client *api.AuthenticatedClient
	store  *credstore.Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	ops *semaphore.Weighted

	mu    sync.RWMutex
	state Session

	unsubscribe []func()
}

// NewManager creates a manager in the Uninitialized state. Call Initialize
// before reading the session.
func NewManager(client *api.AuthenticatedClient, store *credstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		client: client,
		store:  store,
		bus:    client.Events(),
		logger: logger,
		now:    time.Now,
		ops:    semaphore.NewWeighted(1),
	}

	// Handlers run on the publisher's goroutine, possibly while an operation
	// holds ops, so they only take mu.
	m.unsubscribe = append(m.unsubscribe,
		m.bus.Handle(events.AuthExpired, func(events.Event) {
			m.set(signedOut())
		}),
		m.bus.Handle(events.TokensRefreshed, func(evt events.Event) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.state.IsAuthenticated {
				m.state.AccessToken = evt.AccessToken
			}
		}),
	)
	return m
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.client.SetClock(now)
}

// Close detaches the manager from the signal bus.
func (m *Manager) Close() {
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
}

// Events returns the bus carrying token-expired, auth-expired and
// access-denied signals.
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

func (m *Manager) set(s Session) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) lock(ctx context.Context) error {
	return m.ops.Acquire(ctx, 1)
}

func (m *Manager) unlock() {
	m.ops.Release(1)
}

// Initialize restores the session from the credential store. A usable token
// and a cached user sign the user in without a network call. An expired token
// is refreshed when a refresh token exists and remember-me is set; any other
// leftover credentials are cleared.
func (m *Manager) Initialize(ctx context.Context) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	m.set(Session{State: Initializing, IsLoading: true})

	var user api.User
	hasUser := m.store.Get(credstore.KeyUser, &user)
	access, hasAccess := m.store.AccessToken()
	var rememberMe bool
	m.store.Get(credstore.KeyRememberMe, &rememberMe)

	if hasAccess && hasUser {
		if token.Usable(access, m.now()) {
			m.set(signedIn(&user, access, rememberMe))
			return m.Snapshot(), nil
		}

		_, hasRefresh := m.store.RefreshToken()
		if hasRefresh && rememberMe {
			fresh, err := m.client.RefreshSession(ctx)
			if err == nil {
				m.set(signedIn(&user, fresh, rememberMe))
				return m.Snapshot(), nil
			}
			m.logger.Info("could not restore session", "error", err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				m.set(signedOut())
				return m.Snapshot(), ctxErr
			}
		}
	}

	if hasAccess || hasUser {
		m.logger.Debug("clearing stale credentials")
	}
	m.store.ClearAll()
	m.set(signedOut())
	return m.Snapshot(), nil
}

// Login signs in with email and password.
func (m *Manager) Login(ctx context.Context, email, password string, rememberMe bool) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	res, err := m.client.Login(ctx, api.LoginRequest{
		Email:      strings.TrimSpace(email),
		Password:   password,
		RememberMe: rememberMe,
	})
	if err != nil {
		m.logger.Error("login failed", "email", email, "error", err)
		return m.Snapshot(), err
	}
	if !res.HasTokens() {
		err := &api.Error{Message: "The server did not return a session.", Code: api.CodeInvalidResponse}
		m.logger.Error("login failed", "email", email, "error", err)
		return m.Snapshot(), err
	}

	if err := m.establish(res, rememberMe); err != nil {
		return m.Snapshot(), err
	}
	m.logger.Info("signed in", "user_id", res.User.ID, "role", res.User.Role)
	return m.Snapshot(), nil
}

// Signup registers an account. When the backend issues tokens the user is
// signed in; otherwise the session stays signed out until the email is
// verified.
func (m *Manager) Signup(ctx context.Context, in api.SignupRequest) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	in.Email = strings.TrimSpace(in.Email)
	res, err := m.client.Signup(ctx, in)
	if err != nil {
		m.logger.Error("signup failed", "email", in.Email, "error", err)
		return m.Snapshot(), err
	}
	if !res.HasTokens() {
		m.logger.Info("account created, verification pending", "email", in.Email)
		return m.Snapshot(), nil
	}

	if err := m.establish(res, false); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// SendOTP asks the backend to email a verification code. It does not change
// the session.
func (m *Manager) SendOTP(ctx context.Context, email string) error {
	if err := m.client.SendOTP(ctx, strings.TrimSpace(email)); err != nil {
		m.logger.Error("send otp failed", "email", email, "error", err)
		return err
	}
	return nil
}

// VerifyOTP submits a verification code. Tokens in the response sign the user
// in; otherwise a signed-in user with the same email is marked verified.
func (m *Manager) VerifyOTP(ctx context.Context, email, otp string) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	email = strings.TrimSpace(email)
	res, err := m.client.VerifyOTP(ctx, email, strings.TrimSpace(otp))
	if err != nil {
		m.logger.Error("verify otp failed", "email", email, "error", err)
		return m.Snapshot(), err
	}

	if res.HasTokens() {
		if err := m.establish(res, m.Snapshot().RememberMe); err != nil {
			return m.Snapshot(), err
		}
		return m.Snapshot(), nil
	}

	current := m.Snapshot()
	if !current.IsAuthenticated || current.User == nil || !strings.EqualFold(current.User.Email, email) {
		return current, nil
	}

	user := *current.User
	if res != nil && res.User != nil && res.User.ID == user.ID {
		user = *res.User
	}
	user.IsEmailVerified = true
	if err := m.saveUser(current, &user); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// Logout ends the session. Local credentials are cleared first; the backend
// call is best effort and its failure is not reported.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	access, _ := m.store.AccessToken()

	m.client.Invalidate(m.store.ClearAll)
	m.set(signedOut())

	if access == "" {
		return nil
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	if err := m.client.Logout(lctx, access); err != nil {
		m.logger.Warn("backend logout failed", "error", err)
	}
	m.logger.Info("signed out")
	return nil
}

// Refresh forces a token refresh. A failed refresh ends the session.
func (m *Manager) Refresh(ctx context.Context) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	if !m.Snapshot().IsAuthenticated {
		return m.Snapshot(), ErrNoSession
	}
	fresh, err := m.client.RefreshSession(ctx)
	if err != nil {
		m.logger.Error("token refresh failed", "error", err)
		return m.Snapshot(), err
	}

	m.mu.Lock()
	if m.state.IsAuthenticated {
		m.state.AccessToken = fresh
	}
	m.mu.Unlock()
	return m.Snapshot(), nil
}

// RefreshProfile reloads the user record from the backend.
func (m *Manager) RefreshProfile(ctx context.Context) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	current := m.Snapshot()
	if !current.IsAuthenticated {
		return current, ErrNoSession
	}
	user, err := m.client.Profile(ctx)
	if err != nil {
		m.logger.Error("profile refresh failed", "error", err)
		return m.Snapshot(), err
	}
	if err := m.saveUser(m.Snapshot(), user); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// CompleteProfile submits onboarding data. An expired access token is
// refreshed first; if that fails the call returns ErrSessionExpired without
// contacting the profile endpoint.
func (m *Manager) CompleteProfile(ctx context.Context, in api.ProfileCompletion) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	if !m.Snapshot().IsAuthenticated {
		return m.Snapshot(), ErrNoSession
	}

	access, ok := m.store.AccessToken()
	if !ok || !token.Usable(access, m.now()) {
		if _, err := m.client.RefreshSession(ctx); err != nil {
			m.logger.Warn("refresh before profile completion failed", "error", err)
			return m.Snapshot(), fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
	}

	user, err := m.client.CompleteProfile(ctx, in)
	if err != nil {
		m.logger.Error("profile completion failed", "error", err)
		if errors.Is(err, api.ErrAuthExpired) || errors.Is(err, api.ErrTokenExpired) {
			return m.Snapshot(), fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return m.Snapshot(), err
	}
	if err := m.saveUser(m.Snapshot(), user); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// UpdateUser replaces the cached user record. The role is owned by the
// backend and is never changed here.
func (m *Manager) UpdateUser(ctx context.Context, user api.User) (Session, error) {
	if err := m.lock(ctx); err != nil {
		return m.Snapshot(), err
	}
	defer m.unlock()

	current := m.Snapshot()
	if !current.IsAuthenticated {
		return current, ErrNoSession
	}
	if err := m.saveUser(current, &user); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// establish persists a fresh sign-in and switches to Authenticated.
func (m *Manager) establish(res *api.AuthResult, rememberMe bool) error {
	// Discard any refresh still running for the previous session.
	m.client.Invalidate(m.store.ClearAll)

	if err := m.store.SaveTokens(res.AccessToken, res.RefreshToken); err != nil {
		m.logger.Error("failed to store tokens", "error", err)
		return err
	}
	if err := m.store.Set(credstore.KeyUser, res.User); err != nil {
		m.logger.Error("failed to store user", "error", err)
		return err
	}
	if err := m.store.Set(credstore.KeyRememberMe, rememberMe); err != nil {
		m.logger.Error("failed to store remember-me flag", "error", err)
		return err
	}

	user := *res.User
	m.set(signedIn(&user, res.AccessToken, rememberMe))
	return nil
}

// saveUser writes user through to the store and into the session, keeping
// the role already on record.
func (m *Manager) saveUser(current Session, user *api.User) error {
	u := *user
	if current.User != nil && current.User.Role != "" {
		u.Role = current.User.Role
	}
	if err := m.store.Set(credstore.KeyUser, &u); err != nil {
		m.logger.Error("failed to store user", "error", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.IsAuthenticated {
		return nil
	}
	m.state.User = &u
	return nil
}
