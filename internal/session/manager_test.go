package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/credstore"
	"github.com/eduhire/agent/internal/events"
	"github.com/eduhire/agent/internal/keychain"
	"github.com/eduhire/agent/internal/obs"
	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "u1",
		"email": "a@b.com",
		"role":  "teacher",
		"exp":   time.Now().Add(ttl).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func reply(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 300, "data": data})
}

// backend counts calls per path and delegates to handlers keyed by path.
type backend struct {
	calls    map[string]*atomic.Int32
	handlers map[string]http.HandlerFunc
	server   *httptest.Server
}

func newBackend(t *testing.T, handlers map[string]http.HandlerFunc) *backend {
	t.Helper()
	b := &backend{calls: make(map[string]*atomic.Int32), handlers: handlers}
	for _, path := range []string{"/auth/login", "/auth/signup", "/auth/refresh", "/auth/logout", "/auth/send-otp", "/auth/verify-otp", "/users/profile", "/users/complete-profile"} {
		b.calls[path] = &atomic.Int32{}
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := b.calls[r.URL.Path]; ok {
			c.Add(1)
		}
		if h, ok := b.handlers[r.URL.Path]; ok {
			h(w, r)
			return
		}
		reply(w, http.StatusNotFound, nil)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) count(path string) int32 {
	return b.calls[path].Load()
}

func (b *backend) total() int32 {
	var n int32
	for _, c := range b.calls {
		n += c.Load()
	}
	return n
}

func newTestManager(t *testing.T, baseURL string) (*Manager, *credstore.Store) {
	t.Helper()
	store := credstore.New(keychain.NewMemoryKeychain(), nil, obs.Discard())
	client := api.NewAuthenticatedClient(api.NewClient(baseURL, api.WithLogger(obs.Discard())), store, events.NewBus())
	m := NewManager(client, store, obs.Discard())
	t.Cleanup(m.Close)
	return m, store
}

func seed(t *testing.T, store *credstore.Store, access, refresh string, user api.User, rememberMe bool) {
	t.Helper()
	if err := store.SaveTokens(access, refresh); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(credstore.KeyUser, user); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(credstore.KeyRememberMe, rememberMe); err != nil {
		t.Fatal(err)
	}
}

func assertCleared(t *testing.T, store *credstore.Store) {
	t.Helper()
	for _, key := range credstore.Keys {
		var v any
		if store.Get(key, &v) {
			t.Errorf("expected %s to be cleared", key)
		}
	}
}

var verifiedTeacher = api.User{
	ID:                "u1",
	Email:             "a@b.com",
	Role:              api.RoleTeacher,
	IsEmailVerified:   true,
	IsProfileComplete: true,
}

func TestManager_StartsUninitialized(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:0")
	s := m.Snapshot()
	if s.State != Uninitialized || s.IsInitialized || s.IsAuthenticated {
		t.Errorf("unexpected initial session: %+v", s)
	}
}

func TestManager_Initialize(t *testing.T) {
	t.Run("valid cached session needs no network", func(t *testing.T) {
		b := newBackend(t, nil)
		m, store := newTestManager(t, b.server.URL)
		access := mintToken(t, time.Hour)
		seed(t, store, access, "refresh-1", verifiedTeacher, false)

		s, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if s.State != Authenticated || !s.IsAuthenticated || !s.IsInitialized || s.IsLoading {
			t.Errorf("expected authenticated session, got %+v", s)
		}
		if s.AccessToken != access || s.User.ID != "u1" {
			t.Errorf("expected cached credentials, got %+v", s)
		}
		if b.total() != 0 {
			t.Errorf("expected no network calls, got %d", b.total())
		}
	})

	t.Run("expired token without refresh token", func(t *testing.T) {
		b := newBackend(t, nil)
		m, store := newTestManager(t, b.server.URL)
		seed(t, store, mintToken(t, -time.Minute), "", verifiedTeacher, true)

		s, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if s.State != Unauthenticated || s.IsAuthenticated || !s.IsInitialized {
			t.Errorf("expected unauthenticated session, got %+v", s)
		}
		assertCleared(t, store)
		if b.total() != 0 {
			t.Errorf("expected no network calls, got %d", b.total())
		}
	})

	t.Run("expired token with refresh token and remember-me", func(t *testing.T) {
		fresh := mintToken(t, time.Hour)
		b := newBackend(t, map[string]http.HandlerFunc{
			"/auth/refresh": func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusOK, api.TokenPair{AccessToken: fresh, RefreshToken: "refresh-2"})
			},
		})
		m, store := newTestManager(t, b.server.URL)
		seed(t, store, mintToken(t, -time.Minute), "refresh-1", verifiedTeacher, true)

		s, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if s.State != Authenticated || s.AccessToken != fresh {
			t.Errorf("expected refreshed session, got %+v", s)
		}
		if got, _ := store.RefreshToken(); got != "refresh-2" {
			t.Errorf("expected rotated refresh token, got %s", got)
		}
	})

	t.Run("expired token without remember-me", func(t *testing.T) {
		b := newBackend(t, nil)
		m, store := newTestManager(t, b.server.URL)
		seed(t, store, mintToken(t, -time.Minute), "refresh-1", verifiedTeacher, false)

		s, _ := m.Initialize(context.Background())
		if s.State != Unauthenticated {
			t.Errorf("expected unauthenticated session, got %s", s.State)
		}
		assertCleared(t, store)
		if b.count("/auth/refresh") != 0 {
			t.Error("expected no refresh attempt")
		}
	})

	t.Run("refresh rejected", func(t *testing.T) {
		b := newBackend(t, map[string]http.HandlerFunc{
			"/auth/refresh": func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusUnauthorized, nil)
			},
		})
		m, store := newTestManager(t, b.server.URL)
		seed(t, store, mintToken(t, -time.Minute), "refresh-1", verifiedTeacher, true)

		s, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if s.State != Unauthenticated {
			t.Errorf("expected unauthenticated session, got %s", s.State)
		}
		assertCleared(t, store)
	})

	t.Run("token without cached user", func(t *testing.T) {
		m, store := newTestManager(t, "http://127.0.0.1:0")
		_ = store.SaveTokens(mintToken(t, time.Hour), "refresh-1")

		s, _ := m.Initialize(context.Background())
		if s.State != Unauthenticated {
			t.Errorf("expected unauthenticated session, got %s", s.State)
		}
		assertCleared(t, store)
	})

	t.Run("malformed token", func(t *testing.T) {
		m, store := newTestManager(t, "http://127.0.0.1:0")
		seed(t, store, "garbage", "refresh-1", verifiedTeacher, false)

		s, _ := m.Initialize(context.Background())
		if s.State != Unauthenticated {
			t.Errorf("expected unauthenticated session, got %s", s.State)
		}
		assertCleared(t, store)
	})
}

func TestManager_LoginSubStates(t *testing.T) {
	tests := []struct {
		name             string
		verified         bool
		complete         bool
		wantVerification bool
		wantCompletion   bool
	}{
		{name: "email unverified", verified: false, complete: false, wantVerification: true, wantCompletion: true},
		{name: "profile incomplete", verified: true, complete: false, wantVerification: false, wantCompletion: true},
		{name: "fully onboarded", verified: true, complete: true, wantVerification: false, wantCompletion: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access := mintToken(t, time.Hour)
			b := newBackend(t, map[string]http.HandlerFunc{
				"/auth/login": func(w http.ResponseWriter, r *http.Request) {
					var req api.LoginRequest
					_ = json.NewDecoder(r.Body).Decode(&req)
					if req.Email != "a@b.com" || req.Password != "x" {
						reply(w, http.StatusUnauthorized, nil)
						return
					}
					reply(w, http.StatusOK, api.AuthResult{
						User: &api.User{
							ID: "u1", Email: "a@b.com", Role: api.RoleSchool,
							IsEmailVerified: tt.verified, IsProfileComplete: tt.complete,
						},
						AccessToken:  access,
						RefreshToken: "refresh-1",
					})
				},
			})
			m, store := newTestManager(t, b.server.URL)

			s, err := m.Login(context.Background(), " a@b.com ", "x", true)
			if err != nil {
				t.Fatalf("Login failed: %v", err)
			}
			if s.State != Authenticated {
				t.Fatalf("expected authenticated, got %s", s.State)
			}
			if s.NeedsEmailVerification() != tt.wantVerification {
				t.Errorf("NeedsEmailVerification = %v, want %v", s.NeedsEmailVerification(), tt.wantVerification)
			}
			if s.NeedsProfileCompletion() != tt.wantCompletion {
				t.Errorf("NeedsProfileCompletion = %v, want %v", s.NeedsProfileCompletion(), tt.wantCompletion)
			}
			if s.Role() != api.RoleSchool {
				t.Errorf("expected school role, got %s", s.Role())
			}

			if got, _ := store.AccessToken(); got != access {
				t.Error("expected access token to be persisted")
			}
			var remember bool
			if !store.Get(credstore.KeyRememberMe, &remember) || !remember {
				t.Error("expected remember-me flag to be persisted")
			}
		})
	}
}

func TestManager_LoginFailureKeepsSession(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{
		"/auth/login": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "Invalid credentials"})
		},
	})
	m, store := newTestManager(t, b.server.URL)
	_, _ = m.Initialize(context.Background())

	_, err := m.Login(context.Background(), "a@b.com", "wrong", false)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Message != "Invalid credentials" {
		t.Fatalf("expected backend error unchanged, got %v", err)
	}
	if m.Snapshot().State != Unauthenticated {
		t.Error("expected session to stay unauthenticated")
	}
	assertCleared(t, store)
}

func TestManager_SignupWithoutTokensStaysSignedOut(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{
		"/auth/signup": func(w http.ResponseWriter, r *http.Request) {
			reply(w, http.StatusCreated, nil)
		},
	})
	m, _ := newTestManager(t, b.server.URL)
	_, _ = m.Initialize(context.Background())

	s, err := m.Signup(context.Background(), api.SignupRequest{Email: "new@b.com", Password: "x", Role: api.RoleTeacher})
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if s.IsAuthenticated {
		t.Error("expected no session until verification")
	}
}

func TestManager_VerifyOTP(t *testing.T) {
	t.Run("tokens sign the user in", func(t *testing.T) {
		access := mintToken(t, time.Hour)
		b := newBackend(t, map[string]http.HandlerFunc{
			"/auth/verify-otp": func(w http.ResponseWriter, r *http.Request) {
				user := verifiedTeacher
				user.IsProfileComplete = false
				reply(w, http.StatusOK, api.AuthResult{User: &user, AccessToken: access, RefreshToken: "refresh-1"})
			},
		})
		m, _ := newTestManager(t, b.server.URL)
		_, _ = m.Initialize(context.Background())

		s, err := m.VerifyOTP(context.Background(), "a@b.com", "123456")
		if err != nil {
			t.Fatalf("VerifyOTP failed: %v", err)
		}
		if !s.IsAuthenticated || s.NeedsEmailVerification() || !s.NeedsProfileCompletion() {
			t.Errorf("unexpected session after verification: %+v", s)
		}
	})

	t.Run("signed-in user is marked verified", func(t *testing.T) {
		b := newBackend(t, map[string]http.HandlerFunc{
			"/auth/verify-otp": func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusOK, nil)
			},
		})
		m, store := newTestManager(t, b.server.URL)
		unverified := verifiedTeacher
		unverified.IsEmailVerified = false
		seed(t, store, mintToken(t, time.Hour), "refresh-1", unverified, false)
		_, _ = m.Initialize(context.Background())

		s, err := m.VerifyOTP(context.Background(), "A@B.com", "123456")
		if err != nil {
			t.Fatalf("VerifyOTP failed: %v", err)
		}
		if s.NeedsEmailVerification() {
			t.Error("expected user to be verified")
		}
		var stored api.User
		if !store.Get(credstore.KeyUser, &stored) || !stored.IsEmailVerified {
			t.Error("expected verified user to be persisted")
		}
	})
}

func TestManager_LogoutClearsEvenWhenBackendFails(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{
		"/auth/logout": func(w http.ResponseWriter, r *http.Request) {
			reply(w, http.StatusInternalServerError, nil)
		},
	})
	m, store := newTestManager(t, b.server.URL)
	seed(t, store, mintToken(t, time.Hour), "refresh-1", verifiedTeacher, true)
	_, _ = m.Initialize(context.Background())

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("expected logout to swallow backend failure, got %v", err)
	}
	assertCleared(t, store)
	if s := m.Snapshot(); s.State != Unauthenticated || s.User != nil {
		t.Errorf("expected signed-out session, got %+v", s)
	}
	if b.count("/auth/logout") != 1 {
		t.Errorf("expected one backend logout, got %d", b.count("/auth/logout"))
	}
}

func TestManager_LogoutUnreachableBackend(t *testing.T) {
	m, store := newTestManager(t, "http://127.0.0.1:1")
	seed(t, store, mintToken(t, time.Hour), "refresh-1", verifiedTeacher, true)
	_, _ = m.Initialize(context.Background())

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	assertCleared(t, store)
}

func TestManager_LogoutWaitsForInFlightLogin(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	access := mintToken(t, time.Hour)

	b := newBackend(t, map[string]http.HandlerFunc{
		"/auth/login": func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			reply(w, http.StatusOK, api.AuthResult{User: &verifiedTeacher, AccessToken: access, RefreshToken: "refresh-1"})
		},
		"/auth/logout": func(w http.ResponseWriter, r *http.Request) {
			reply(w, http.StatusOK, nil)
		},
	})
	m, store := newTestManager(t, b.server.URL)
	_, _ = m.Initialize(context.Background())

	loginDone := make(chan error, 1)
	go func() {
		_, err := m.Login(context.Background(), "a@b.com", "x", false)
		loginDone <- err
	}()
	<-entered

	logoutDone := make(chan error, 1)
	go func() { logoutDone <- m.Logout(context.Background()) }()

	select {
	case <-logoutDone:
		t.Fatal("logout finished while login was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-loginDone; err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := <-logoutDone; err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	assertCleared(t, store)
	if m.Snapshot().IsAuthenticated {
		t.Error("expected the later logout to win")
	}
}

func TestManager_OperationRespectsContext(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	b := newBackend(t, map[string]http.HandlerFunc{
		"/auth/login": func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
			reply(w, http.StatusUnauthorized, nil)
		},
	})
	m, _ := newTestManager(t, b.server.URL)
	defer close(release)

	go func() { _, _ = m.Login(context.Background(), "a@b.com", "x", false) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Signup(ctx, api.SignupRequest{Email: "b@b.com"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestManager_CompleteProfile(t *testing.T) {
	t.Run("expired token and failed refresh", func(t *testing.T) {
		b := newBackend(t, map[string]http.HandlerFunc{
			"/auth/refresh": func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusUnauthorized, nil)
			},
		})
		m, store := newTestManager(t, b.server.URL)
		incomplete := verifiedTeacher
		incomplete.IsProfileComplete = false
		seed(t, store, mintToken(t, time.Hour), "refresh-1", incomplete, false)
		_, _ = m.Initialize(context.Background())

		// The token expires between start-up and submission.
		m.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

		_, err := m.CompleteProfile(context.Background(), api.ProfileCompletion{Bio: "hi"})
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected ErrSessionExpired, got %v", err)
		}
		if b.count("/users/complete-profile") != 0 {
			t.Error("expected submission to be blocked")
		}
		if m.Snapshot().IsAuthenticated {
			t.Error("expected the session to end")
		}
		assertCleared(t, store)
	})

	t.Run("expired token refreshed inline", func(t *testing.T) {
		b := newBackend(t, map[string]http.HandlerFunc{
			"/auth/refresh": func(w http.ResponseWriter, r *http.Request) {
				reply(w, http.StatusOK, api.TokenPair{AccessToken: mintToken(t, 3*time.Hour)})
			},
			"/users/complete-profile": func(w http.ResponseWriter, r *http.Request) {
				user := verifiedTeacher
				user.Role = api.RoleAdmin
				reply(w, http.StatusOK, user)
			},
		})
		m, store := newTestManager(t, b.server.URL)
		incomplete := verifiedTeacher
		incomplete.IsProfileComplete = false
		seed(t, store, mintToken(t, time.Hour), "refresh-1", incomplete, false)
		_, _ = m.Initialize(context.Background())
		m.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

		s, err := m.CompleteProfile(context.Background(), api.ProfileCompletion{Bio: "hi"})
		if err != nil {
			t.Fatalf("CompleteProfile failed: %v", err)
		}
		if s.NeedsProfileCompletion() {
			t.Error("expected profile to be complete")
		}
		if s.User.Role != api.RoleTeacher {
			t.Errorf("expected role to stay teacher, got %s", s.User.Role)
		}
		if b.count("/auth/refresh") != 1 {
			t.Errorf("expected one refresh, got %d", b.count("/auth/refresh"))
		}
	})

	t.Run("signed out", func(t *testing.T) {
		m, _ := newTestManager(t, "http://127.0.0.1:0")
		_, _ = m.Initialize(context.Background())
		if _, err := m.CompleteProfile(context.Background(), api.ProfileCompletion{}); !errors.Is(err, ErrNoSession) {
			t.Fatalf("expected ErrNoSession, got %v", err)
		}
	})
}

func TestManager_AuthExpiredResetsSession(t *testing.T) {
	b := newBackend(t, map[string]http.HandlerFunc{
		"/users/profile": func(w http.ResponseWriter, r *http.Request) {
			reply(w, http.StatusUnauthorized, nil)
		},
		"/auth/refresh": func(w http.ResponseWriter, r *http.Request) {
			reply(w, http.StatusUnauthorized, nil)
		},
	})
	m, store := newTestManager(t, b.server.URL)
	seed(t, store, mintToken(t, time.Hour), "refresh-1", verifiedTeacher, false)
	_, _ = m.Initialize(context.Background())

	received := make(chan events.Event, 1)
	unsubscribe := m.Events().Handle(events.AuthExpired, func(evt events.Event) { received <- evt })
	defer unsubscribe()

	if _, err := m.RefreshProfile(context.Background()); api.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if m.Snapshot().State != Unauthenticated {
		t.Error("expected session reset")
	}
	select {
	case <-received:
	default:
		t.Error("expected auth-expired signal")
	}
	assertCleared(t, store)
}

func TestManager_RefreshUpdatesToken(t *testing.T) {
	fresh := mintToken(t, 2*time.Hour)
	b := newBackend(t, map[string]http.HandlerFunc{
		"/auth/refresh": func(w http.ResponseWriter, r *http.Request) {
			reply(w, http.StatusOK, api.TokenPair{AccessToken: fresh, RefreshToken: "refresh-2"})
		},
	})
	m, store := newTestManager(t, b.server.URL)
	seed(t, store, mintToken(t, time.Hour), "refresh-1", verifiedTeacher, false)
	_, _ = m.Initialize(context.Background())

	s, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if s.AccessToken != fresh {
		t.Error("expected session to carry the new token")
	}
}

func TestManager_UpdateUserKeepsRole(t *testing.T) {
	m, store := newTestManager(t, "http://127.0.0.1:0")
	seed(t, store, mintToken(t, time.Hour), "refresh-1", verifiedTeacher, false)
	_, _ = m.Initialize(context.Background())

	updated := verifiedTeacher
	updated.FirstName = "Ada"
	updated.Role = api.RoleAdmin

	s, err := m.UpdateUser(context.Background(), updated)
	if err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	if s.User.FirstName != "Ada" || s.User.Role != api.RoleTeacher {
		t.Errorf("unexpected user: %+v", s.User)
	}

	var stored api.User
	store.Get(credstore.KeyUser, &stored)
	if stored.FirstName != "Ada" || stored.Role != api.RoleTeacher {
		t.Errorf("expected update to be persisted with original role, got %+v", stored)
	}
}

func TestSession_SnapshotIsCopy(t *testing.T) {
	m, store := newTestManager(t, "http://127.0.0.1:0")
	seed(t, store, mintToken(t, time.Hour), "refresh-1", verifiedTeacher, false)
	_, _ = m.Initialize(context.Background())

	s := m.Snapshot()
	s.User.FirstName = "mutated"
	if m.Snapshot().User.FirstName == "mutated" {
		t.Error("expected snapshot to be independent of manager state")
	}
}
