package devserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest accepted signing secret
const MinSecretLength = 32

// AuthService issues and checks credentials
type AuthService struct {
	secretKey  []byte
	accessTTL  time.Duration
	bcryptCost int
	now        func() time.Time
}

// NewAuthService creates a new AuthService
func NewAuthService(secretKey []byte, accessTTL time.Duration, bcryptCost int) (*AuthService, error) {
	if len(secretKey) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if bcryptCost == 0 {
		bcryptCost = 12
	}
	return &AuthService{
		secretKey:  secretKey,
		accessTTL:  accessTTL,
		bcryptCost: bcryptCost,
		now:        time.Now,
	}, nil
}

// AccessTTL returns the lifetime of issued access tokens
func (s *AuthService) AccessTTL() time.Duration {
	return s.accessTTL
}

// GenerateAccessToken generates a JWT access token for a user
func (s *AuthService) GenerateAccessToken(user *User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   user.ID.String(),
		"email": user.Email,
		"role":  string(user.Role),
		"iat":   now.Unix(),
		"exp":   now.Add(s.accessTTL).Unix(),
		"jti":   uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateAccessToken validates a JWT access token and returns the claims
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	claimsMap, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}

	sub, _ := claimsMap["sub"].(string)
	email, _ := claimsMap["email"].(string)
	role, _ := claimsMap["role"].(string)
	if sub == "" {
		return nil, errors.New("token has no subject")
	}
	return &Claims{UserID: sub, Email: email, Role: role}, nil
}

// HashPassword hashes a password using bcrypt
func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// VerifyPassword checks if a password matches the hash
func (s *AuthService) VerifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// GenerateRefreshToken generates a cryptographically secure random token
func (s *AuthService) GenerateRefreshToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// HashToken hashes a token using SHA256
func (s *AuthService) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GenerateOTP returns a random six digit code
func (s *AuthService) GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
