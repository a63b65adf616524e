// Package session tracks whether the user is signed in and what onboarding
// steps remain. A single Manager owns the state; everything else reads
// snapshots.
package session

import (
	"errors"

	"github.com/eduhire/agent/internal/api"
)

// ErrSessionExpired is returned when an operation needs a live session and the
// stored one could not be refreshed.
var ErrSessionExpired = errors.New("session expired, please sign in again")

// ErrNoSession is returned by operations that require a signed-in user.
var ErrNoSession = errors.New("not signed in")

// State is the lifecycle position of the session.
type State int

const (
	Uninitialized State = iota
	Initializing
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Session is a read-only snapshot of the session state.
type Session struct {
	State           State
	User            *api.User
	AccessToken     string
	RememberMe      bool
	IsAuthenticated bool
	IsLoading       bool
	IsInitialized   bool
}

// NeedsEmailVerification reports whether the signed-in user still has to
// verify their email address.
func (s Session) NeedsEmailVerification() bool {
	return s.IsAuthenticated && s.User != nil && !s.User.IsEmailVerified
}

// NeedsProfileCompletion reports whether the signed-in user still has to
// complete onboarding.
func (s Session) NeedsProfileCompletion() bool {
	return s.IsAuthenticated && s.User != nil && !s.User.IsProfileComplete
}

// Role returns the user's role, or "" when signed out.
func (s Session) Role() api.Role {
	if !s.IsAuthenticated || s.User == nil {
		return ""
	}
	return s.User.Role
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

func signedOut() Session {
	return Session{State: Unauthenticated, IsInitialized: true}
}

func signedIn(user *api.User, accessToken string, rememberMe bool) Session {
	return Session{
		State:           Authenticated,
		User:            user,
		AccessToken:     accessToken,
		RememberMe:      rememberMe,
		IsAuthenticated: true,
		IsInitialized:   true,
	}
}
