package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is a marketplace account type. The backend owns it; the client never changes it.
type Role string

const (
	RoleTeacher   Role = "teacher"
	RoleSchool    Role = "school"
	RoleRecruiter Role = "recruiter"
	RoleSupplier  Role = "supplier"
	RoleAdmin     Role = "admin"
)

// Roles lists every known role
var Roles = []Role{RoleTeacher, RoleSchool, RoleRecruiter, RoleSupplier, RoleAdmin}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole normalizes s into a Role
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// User is the account record returned by the backend
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	FirstName         string    `json:"firstName"`
	LastName          string    `json:"lastName"`
	Role              Role      `json:"role"`
	IsEmailVerified   bool      `json:"isEmailVerified"`
	IsProfileComplete bool      `json:"isProfileComplete"`
	Status            string    `json:"status,omitempty"`
	AvatarURL         string    `json:"avatarUrl,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt,omitempty"`
}

// FullName joins the first and last name
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// TokenPair is a fresh access/refresh token pair
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthResult is returned by login and OTP verification
type AuthResult struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// HasTokens reports whether the backend issued credentials
func (r *AuthResult) HasTokens() bool {
	return r != nil && r.User != nil && r.AccessToken != ""
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

// SignupRequest represents the signup request body
type SignupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      Role   `json:"role"`
	Phone     string `json:"phone,omitempty"`
}

// OTPRequest asks the backend to send a verification code
type OTPRequest struct {
	Email string `json:"email"`
}

// VerifyOTPRequest submits a verification code
type VerifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// RefreshRequest exchanges a refresh token
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ProfileCompletion carries the onboarding fields. Role-specific answers go in Fields.
type ProfileCompletion struct {
	FirstName string            `json:"firstName,omitempty"`
	LastName  string            `json:"lastName,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Bio       string            `json:"bio,omitempty"`
	Location  string            `json:"location,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// MarshalJSON flattens Fields into the top-level object
func (p ProfileCompletion) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+5)
	for k, v := range p.Fields {
		out[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("firstName", p.FirstName)
	set("lastName", p.LastName)
	set("phone", p.Phone)
	set("bio", p.Bio)
	set("location", p.Location)
	return json.Marshal(out)
}
