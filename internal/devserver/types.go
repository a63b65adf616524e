package devserver

import (
	"time"

	"github.com/eduhire/agent/internal/api"
	"github.com/google/uuid"
)

// User is an account held by the development server
type User struct {
	ID                uuid.UUID
	Email             string
	PasswordHash      string
	FirstName         string
	LastName          string
	Role              api.Role
	Phone             string
	Bio               string
	Location          string
	Extra             map[string]string
	IsEmailVerified   bool
	IsProfileComplete bool
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Wire converts the record into the shape the client expects
func (u *User) Wire() api.User {
	return api.User{
		ID:                u.ID.String(),
		Email:             u.Email,
		FirstName:         u.FirstName,
		LastName:          u.LastName,
		Role:              u.Role,
		IsEmailVerified:   u.IsEmailVerified,
		IsProfileComplete: u.IsProfileComplete,
		Status:            u.Status,
		Phone:             u.Phone,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

// Claims represents JWT token claims
type Claims struct {
	UserID string
	Email  string
	Role   string
}

// RefreshToken is a stored refresh token. Only the hash is kept.
type RefreshToken struct {
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type otpCode struct {
	code      string
	expiresAt time.Time
}
