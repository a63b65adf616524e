package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/eduhire/agent/internal/api"
)

// Rate limits applied per email address
const (
	loginAttempts   = 5
	loginWindow     = 15 * time.Minute
	otpSends        = 3
	otpSendWindow   = time.Minute
	otpVerifies     = 5
	otpVerifyWindow = 15 * time.Minute
	minPasswordLen  = 8
)

type contextKey struct{}

var userKey contextKey

func userFrom(ctx context.Context) *User {
	u, _ := ctx.Value(userKey).(*User)
	return u
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Ignore error - response already started
}

func writeData(w http.ResponseWriter, status int, data any) {
	body := map[string]any{"success": true}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message, code string, fields map[string]string) {
	body := map[string]any{"success": false, "message": message}
	if code != "" {
		body["code"] = code
	}
	if len(fields) > 0 {
		body["errors"] = fields
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", "BODY_TOO_LARGE", nil)
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", "INVALID_BODY", nil)
		return false
	}
	return true
}

func (s *Server) issueTokens(u *User) (*api.AuthResult, error) {
	access, err := s.auth.GenerateAccessToken(u)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := s.auth.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := time.Now()
	s.store.StoreRefreshToken(&RefreshToken{
		UserID:    u.ID,
		TokenHash: s.auth.HashToken(refresh),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	})
	wire := u.Wire()
	return &api.AuthResult{User: &wire, AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req api.SignupRequest
	if !decode(w, r, &req) {
		return
	}

	fields := map[string]string{}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		fields["email"] = "A valid email address is required"
	}
	if len(req.Password) < minPasswordLen {
		fields["password"] = fmt.Sprintf("Password must be at least %d characters", minPasswordLen)
	}
	if !req.Role.Valid() || req.Role == api.RoleAdmin {
		fields["role"] = "Choose teacher, school, recruiter or supplier"
	}
	if len(fields) > 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", fields)
		return
	}

	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", "", nil)
		return
	}
	now := time.Now()
	u := &User{
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Role:         req.Role,
		Phone:        req.Phone,
		Status:       "pending",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(u); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusConflict, "An account with this email already exists", "EMAIL_TAKEN",
				map[string]string{"email": "Email already registered"})
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create account", "", nil)
		return
	}

	s.logger.Info("account created", "user_id", u.ID, "role", u.Role)
	if err := s.sendOTP(u.Email); err != nil {
		s.logger.Warn("failed to issue verification code", "email", u.Email, "error", err)
	}
	wire := u.Wire()
	writeData(w, http.StatusCreated, map[string]any{"user": wire})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !decode(w, r, &req) {
		return
	}

	key := "login:" + normalizeEmail(req.Email)
	if err := s.limiter.CheckLimit(key, loginAttempts, loginWindow); err != nil {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, please try again later", "RATE_LIMITED", nil)
		return
	}

	u, err := s.store.UserByEmail(req.Email)
	if err != nil || s.auth.VerifyPassword(u.PasswordHash, req.Password) != nil {
		s.logger.Info("login failed", "email", req.Email)
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "INVALID_CREDENTIALS", nil)
		return
	}
	if u.Status == "suspended" {
		writeError(w, http.StatusForbidden, "Account suspended", "ACCOUNT_SUSPENDED", nil)
		return
	}

	res, err := s.issueTokens(u)
	if err != nil {
		s.logger.Error("failed to issue tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to sign in", "", nil)
		return
	}
	s.limiter.ResetLimit(key)
	s.logger.Info("login succeeded", "user_id", u.ID, "remember_me", req.RememberMe)
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "Missing refresh token", "REFRESH_TOKEN_MISSING", nil)
		return
	}

	rt, ok := s.store.RotateRefreshToken(s.auth.HashToken(req.RefreshToken), time.Now())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token", "REFRESH_TOKEN_INVALID", nil)
		return
	}
	u, err := s.store.UserByID(rt.UserID.String())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "User not found", "REFRESH_TOKEN_INVALID", nil)
		return
	}

	res, err := s.issueTokens(u)
	if err != nil {
		s.logger.Error("failed to issue tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to refresh session", "", nil)
		return
	}
	writeData(w, http.StatusOK, api.TokenPair{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken})
}

// handleLogout revokes the caller's refresh tokens. It always succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := bearer(r); ok {
		if claims, err := s.auth.ValidateAccessToken(raw); err == nil {
			if u, err := s.store.UserByID(claims.UserID); err == nil {
				n := s.store.RevokeUserTokens(u.ID, time.Now())
				s.logger.Info("logged out", "user_id", u.ID, "revoked", n)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (s *Server) sendOTP(email string) error {
	code, err := s.auth.GenerateOTP()
	if err != nil {
		return err
	}
	s.store.PutOTP(email, code, time.Now().Add(s.otpTTL))
	s.otpSink(normalizeEmail(email), code)
	return nil
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req api.OTPRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.limiter.CheckLimit("otp-send:"+normalizeEmail(req.Email), otpSends, otpSendWindow); err != nil {
		writeError(w, http.StatusTooManyRequests, "Too many codes requested, please wait a minute", "RATE_LIMITED", nil)
		return
	}

	// Unknown addresses get the same answer so accounts cannot be enumerated.
	if _, err := s.store.UserByEmail(req.Email); err == nil {
		if err := s.sendOTP(req.Email); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to send code", "", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Verification code sent"})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyOTPRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.limiter.CheckLimit("otp-verify:"+normalizeEmail(req.Email), otpVerifies, otpVerifyWindow); err != nil {
		writeError(w, http.StatusTooManyRequests, "Too many attempts, please request a new code", "RATE_LIMITED", nil)
		return
	}

	u, err := s.store.UserByEmail(req.Email)
	if err != nil || !s.store.ConsumeOTP(req.Email, strings.TrimSpace(req.OTP), time.Now()) {
		writeError(w, http.StatusBadRequest, "Invalid or expired code", "OTP_INVALID",
			map[string]string{"otp": "Invalid or expired code"})
		return
	}

	u, err = s.store.UpdateUser(u.ID, func(u *User) error {
		u.IsEmailVerified = true
		if u.Status == "pending" {
			u.Status = "active"
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to verify email", "", nil)
		return
	}
	s.limiter.ResetLimit("otp-verify:" + normalizeEmail(req.Email))

	res, err := s.issueTokens(u)
	if err != nil {
		s.logger.Error("failed to issue tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to sign in", "", nil)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	wire := userFrom(r.Context()).Wire()
	writeData(w, http.StatusOK, wire)
}

var profileFields = map[string]bool{
	"firstName": true,
	"lastName":  true,
	"phone":     true,
	"bio":       true,
	"location":  true,
}

func (s *Server) handleCompleteProfile(w http.ResponseWriter, r *http.Request) {
	current := userFrom(r.Context())
	if !current.IsEmailVerified {
		writeError(w, http.StatusForbidden, "Verify your email before completing your profile", "EMAIL_NOT_VERIFIED", nil)
		return
	}

	var body map[string]any
	if !decode(w, r, &body) {
		return
	}
	values := make(map[string]string, len(body))
	for k, v := range body {
		if str, ok := v.(string); ok {
			values[k] = strings.TrimSpace(str)
		}
	}

	firstName := firstNonEmpty(values["firstName"], current.FirstName)
	lastName := firstNonEmpty(values["lastName"], current.LastName)
	fields := map[string]string{}
	if firstName == "" {
		fields["firstName"] = "First name is required"
	}
	if lastName == "" {
		fields["lastName"] = "Last name is required"
	}
	if len(fields) > 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", fields)
		return
	}

	u, err := s.store.UpdateUser(current.ID, func(u *User) error {
		u.FirstName = firstName
		u.LastName = lastName
		u.Phone = firstNonEmpty(values["phone"], u.Phone)
		u.Bio = firstNonEmpty(values["bio"], u.Bio)
		u.Location = firstNonEmpty(values["location"], u.Location)
		if u.Extra == nil {
			u.Extra = make(map[string]string)
		}
		for k, v := range values {
			if !profileFields[k] {
				u.Extra[k] = v
			}
		}
		u.IsProfileComplete = true
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update profile", "", nil)
		return
	}
	s.logger.Info("profile completed", "user_id", u.ID)
	writeData(w, http.StatusOK, u.Wire())
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.store.Users())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func bearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

// requireAuth validates the bearer token and attaches the user to the context
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header", "TOKEN_MISSING", nil)
			return
		}

		claims, err := s.auth.ValidateAccessToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", "TOKEN_INVALID", nil)
			return
		}

		u, err := s.store.UserByID(claims.UserID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "User not found", "TOKEN_INVALID", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

// requireRole rejects users whose role is not in roles
func requireRole(roles ...api.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := userFrom(r.Context())
			if u == nil {
				writeError(w, http.StatusUnauthorized, "User not found in context", "TOKEN_MISSING", nil)
				return
			}
			for _, role := range roles {
				if u.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "Insufficient permissions", "FORBIDDEN", nil)
		})
	}
}
