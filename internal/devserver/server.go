// Package devserver is a local stand-in for the eduhire backend. It serves
// the auth and profile endpoints the session agent talks to, keeping all
// state in memory.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eduhire/agent/internal/api"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 64 << 10

// Config configures a Server
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	OTPTTL     time.Duration
	BcryptCost int
	Logger     *slog.Logger
	// OTPSink receives every issued verification code. The default logs it.
	OTPSink func(email, code string)
}

// Server holds the development backend state
type Server struct {
	auth       *AuthService
	store      *Store
	limiter    *RateLimiter
	logger     *slog.Logger
	refreshTTL time.Duration
	otpTTL     time.Duration
	otpSink    func(email, code string)
}

// New creates a server
func New(cfg Config) (*Server, error) {
	authService, err := NewAuthService(cfg.Secret, cfg.AccessTTL, cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		auth:       authService,
		store:      NewStore(),
		limiter:    NewRateLimiter(time.Minute, time.Hour, 10000),
		logger:     logger,
		refreshTTL: cfg.RefreshTTL,
		otpTTL:     cfg.OTPTTL,
		otpSink:    cfg.OTPSink,
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = 7 * 24 * time.Hour
	}
	if s.otpTTL <= 0 {
		s.otpTTL = 10 * time.Minute
	}
	if s.otpSink == nil {
		s.otpSink = func(email, code string) {
			logger.Info("verification code issued", "email", email, "code", code)
		}
	}
	return s, nil
}

// Close stops background work
func (s *Server) Close() {
	s.limiter.Stop()
}

// Router returns the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		s.requestLogger,
		maxBodySize(maxBodyBytes),
	)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Service: "eduhire-devserver"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
		r.Post("/send-otp", s.handleSendOTP)
		r.Post("/verify-otp", s.handleVerifyOTP)
	})

	r.Route("/users", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/profile", s.handleProfile)
		r.Post("/complete-profile", s.handleCompleteProfile)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAuth, requireRole(api.RoleAdmin))
		r.Get("/users", s.handleListUsers)
	})

	return r
}

// SeedUser describes an account created at start-up
type SeedUser struct {
	Email             string
	Password          string
	FirstName         string
	LastName          string
	Role              api.Role
	IsEmailVerified   bool
	IsProfileComplete bool
}

// Seed creates an account directly, bypassing signup
func (s *Server) Seed(in SeedUser) (*User, error) {
	hash, err := s.auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := time.Now()
	u := &User{
		Email:             in.Email,
		PasswordHash:      hash,
		FirstName:         in.FirstName,
		LastName:          in.LastName,
		Role:              in.Role,
		IsEmailVerified:   in.IsEmailVerified,
		IsProfileComplete: in.IsProfileComplete,
		Status:            "active",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

// SeedDemo creates one verified, onboarded account per role, named
// <role>@eduhire.test.
func (s *Server) SeedDemo(password string) ([]*User, error) {
	users := make([]*User, 0, len(api.Roles))
	for _, role := range api.Roles {
		u, err := s.Seed(SeedUser{
			Email:             string(role) + "@eduhire.test",
			Password:          password,
			FirstName:         "Demo",
			LastName:          string(role),
			Role:              role,
			IsEmailVerified:   true,
			IsProfileComplete: true,
		})
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", role, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("devserver listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down devserver")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("devserver forced to shut down: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"client_request_id", r.Header.Get(api.RequestIDHeader),
			"duration", time.Since(start))
	})
}

// maxBodySize returns middleware that limits request body size
func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
