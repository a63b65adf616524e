package api

import (
	"context"
	"net/http"
)

// Login authenticates with email and password
func (c *Client) Login(ctx context.Context, in LoginRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Signup registers a new account. The backend may or may not issue tokens.
func (c *Client) Signup(ctx context.Context, in SignupRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/auth/signup", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges refreshToken for a new pair
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var out TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", RefreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, &Error{Message: "The server did not return a new access token.", Code: CodeInvalidResponse, Status: http.StatusOK}
	}
	return &out, nil
}

// Logout invalidates accessToken on the backend. It bypasses the refresh
// interceptor: a session being torn down is never refreshed.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/auth/logout", nil)
	if err != nil {
		return err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.send(req)
	if err != nil {
		return NormalizeError(0, nil, err)
	}
	return decodeEnvelope(resp, nil)
}

// SendOTP asks the backend to email a verification code
func (c *Client) SendOTP(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/send-otp", OTPRequest{Email: email}, nil)
}

// VerifyOTP submits a verification code. Tokens are only present when the
// backend signs the user in as part of verification.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) (*AuthResult, error) {
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/auth/verify-otp", VerifyOTPRequest{Email: email, OTP: otp}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile fetches the signed-in user
func (ac *AuthenticatedClient) Profile(ctx context.Context) (*User, error) {
	var out User
	if err := ac.do(ctx, http.MethodGet, "/users/profile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteProfile submits onboarding data and returns the updated user
func (ac *AuthenticatedClient) CompleteProfile(ctx context.Context, in ProfileCompletion) (*User, error) {
	var out User
	if err := ac.do(ctx, http.MethodPost, "/users/complete-profile", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login authenticates with email and password
func (ac *AuthenticatedClient) Login(ctx context.Context, in LoginRequest) (*AuthResult, error) {
	return ac.client.Login(ctx, in)
}

// Signup registers a new account
func (ac *AuthenticatedClient) Signup(ctx context.Context, in SignupRequest) (*AuthResult, error) {
	return ac.client.Signup(ctx, in)
}

// SendOTP asks the backend to email a verification code
func (ac *AuthenticatedClient) SendOTP(ctx context.Context, email string) error {
	return ac.client.SendOTP(ctx, email)
}

// VerifyOTP submits a verification code
func (ac *AuthenticatedClient) VerifyOTP(ctx context.Context, email, otp string) (*AuthResult, error) {
	return ac.client.VerifyOTP(ctx, email, otp)
}

// Logout invalidates accessToken on the backend
func (ac *AuthenticatedClient) Logout(ctx context.Context, accessToken string) error {
	return ac.client.Logout(ctx, accessToken)
}

// Health checks if the server is healthy
func (ac *AuthenticatedClient) Health(ctx context.Context) (*HealthResponse, error) {
	return ac.client.Health(ctx)
}
