// Package token decodes access tokens issued by the eduhire backend.
//
// Decoding is advisory only. The payload is read without verifying the
// signature: the backend re-validates every bearer credential it receives and
// is the only trust boundary. Callers use the decoded fields for UX decisions
// (whether to attach a token, when to refresh, which dashboard to show) and
// never for authorization.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned for any token that cannot be decoded.
var ErrMalformed = errors.New("malformed token")

// Payload holds the claims the client cares about.
type Payload struct {
	Subject   string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

var parser = jwt.NewParser()

// Decode splits raw into its three segments and decodes the claims segment.
// It never panics; every failure is reported as ErrMalformed.
func Decode(raw string) (p *Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, ErrMalformed
		}
	}()

	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Count(raw, ".") != 2 {
		return nil, ErrMalformed
	}

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, ErrMalformed
	}

	payload := &Payload{
		Email: stringClaim(claims, "email"),
		Role:  stringClaim(claims, "role"),
	}
	if sub, err := claims.GetSubject(); err == nil {
		payload.Subject = sub
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		payload.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		payload.ExpiresAt = exp.Time
	}

	return payload, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, ok := claims[key].(string)
	if !ok {
		return ""
	}
	return v
}

// IsStructurallyValid reports whether raw decodes and carries subject, email and role.
func IsStructurallyValid(raw string) bool {
	p, err := Decode(raw)
	if err != nil {
		return false
	}
	return p.Subject != "" && p.Email != "" && p.Role != ""
}

// IsExpired reports whether raw is expired at the current time.
func IsExpired(raw string) bool {
	return IsExpiredAt(raw, time.Now())
}

// IsExpiredAt treats a token whose expiry equals now as expired. Tokens that
// fail to decode or carry no expiry are always expired.
func IsExpiredAt(raw string, now time.Time) bool {
	p, err := Decode(raw)
	if err != nil || p.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(p.ExpiresAt)
}

// TimeUntilExpiry returns the remaining lifetime of raw, or zero.
func TimeUntilExpiry(raw string) time.Duration {
	return timeUntilExpiryAt(raw, time.Now())
}

func timeUntilExpiryAt(raw string, now time.Time) time.Duration {
	p, err := Decode(raw)
	if err != nil || p.ExpiresAt.IsZero() {
		return 0
	}
	d := p.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsExpiringWithin reports whether raw expires within threshold. Invalid
// tokens are always considered to be expiring.
func IsExpiringWithin(raw string, threshold time.Duration) bool {
	return IsExpiringWithinAt(raw, threshold, time.Now())
}

// IsExpiringWithinAt is IsExpiringWithin evaluated at now.
func IsExpiringWithinAt(raw string, threshold time.Duration, now time.Time) bool {
	if IsExpiredAt(raw, now) {
		return true
	}
	return timeUntilExpiryAt(raw, now) <= threshold
}

// Usable reports whether raw can be attached to a request at now.
func Usable(raw string, now time.Time) bool {
	return IsStructurallyValid(raw) && !IsExpiredAt(raw, now)
}
