// Package guard decides whether a route may render for the current session.
package guard

import (
	"net/url"
	"slices"
	"strings"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/session"
)

// Well-known destinations.
const (
	LoginPath           = "/login"
	SignupPath          = "/signup"
	VerifyEmailPath     = "/verify-email"
	CompleteProfilePath = "/complete-profile"
	UnauthorizedPath    = "/unauthorized"
	DashboardPrefix     = "/dashboard/"
)

// FromParam carries the remembered destination on public-only routes,
// e.g. /login?from=/jobs.
const FromParam = "from"

// Action is what the caller should do with the route.
type Action int

const (
	Render Action = iota
	Loading
	Redirect
)

func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Loading:
		return "loading"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Requirement describes what a route needs from the session.
type Requirement struct {
	RequireAuth bool
	// Roles restricts the route to these roles. Empty allows any role.
	Roles []api.Role
	// ProfileExempt skips the email-verification and profile-completion gates.
	ProfileExempt bool
	// PublicOnly routes send signed-in users elsewhere.
	PublicOnly bool
}

// Public is a route anyone may see.
func Public() Requirement {
	return Requirement{}
}

// Protected requires a signed-in, fully onboarded user.
func Protected() Requirement {
	return Requirement{RequireAuth: true}
}

// RoleRoute requires a signed-in user holding one of roles.
func RoleRoute(roles ...api.Role) Requirement {
	return Requirement{RequireAuth: true, Roles: roles}
}

// ExemptRoute requires a signed-in user but skips onboarding gates. The
// onboarding pages themselves use it.
func ExemptRoute() Requirement {
	return Requirement{RequireAuth: true, ProfileExempt: true}
}

// PublicOnlyRoute is shown to signed-out users only (login, signup).
func PublicOnlyRoute() Requirement {
	return Requirement{PublicOnly: true}
}

// Decision is the outcome of Check.
type Decision struct {
	Action Action
	// Target is set for Redirect.
	Target string
	// RememberPath is the destination to return to after signing in.
	RememberPath string
}

func render() Decision { return Decision{Action: Render} }

func redirect(target string) Decision { return Decision{Action: Redirect, Target: target} }

// Check decides what to do with requestedPath given the session and the
// route's requirement.
func Check(s session.Session, req Requirement, requestedPath string) Decision {
	if !s.IsInitialized || s.IsLoading {
		return Decision{Action: Loading}
	}

	if !s.IsAuthenticated {
		if req.RequireAuth {
			return Decision{Action: Redirect, Target: LoginPath, RememberPath: requestedPath}
		}
		return render()
	}

	if req.PublicOnly {
		if from := rememberedPath(requestedPath); from != "" && !s.NeedsEmailVerification() && !s.NeedsProfileCompletion() {
			return redirect(from)
		}
		return redirect(PostLoginPath(s.User))
	}

	if !req.RequireAuth {
		return render()
	}

	if len(req.Roles) > 0 && !slices.Contains(req.Roles, s.Role()) {
		return redirect(UnauthorizedPath)
	}

	if !req.ProfileExempt {
		if s.NeedsEmailVerification() {
			return redirect(VerifyEmailPath)
		}
		if s.NeedsProfileCompletion() {
			return redirect(CompleteProfilePath)
		}
	}

	return render()
}

// DashboardPath returns the landing page for role.
func DashboardPath(role api.Role) string {
	if role == "" {
		return "/"
	}
	return DashboardPrefix + string(role)
}

// PostLoginPath is where a freshly signed-in user lands: the first pending
// onboarding step, else their dashboard.
func PostLoginPath(user *api.User) string {
	switch {
	case user == nil:
		return LoginPath
	case !user.IsEmailVerified:
		return VerifyEmailPath
	case !user.IsProfileComplete:
		return CompleteProfilePath
	default:
		return DashboardPath(user.Role)
	}
}

// LoginURL returns the login page carrying path as the remembered destination.
func LoginURL(path string) string {
	if path == "" || path == LoginPath {
		return LoginPath
	}
	return LoginPath + "?" + url.Values{FromParam: {path}}.Encode()
}

// rememberedPath extracts a safe local destination from the from parameter.
func rememberedPath(requestedPath string) string {
	u, err := url.Parse(requestedPath)
	if err != nil {
		return ""
	}
	from := u.Query().Get(FromParam)
	if !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") || strings.Contains(from, `\`) {
		return ""
	}
	target, err := url.Parse(from)
	if err != nil || target.Host != "" || target.Scheme != "" {
		return ""
	}
	switch stripQuery(from) {
	case LoginPath, SignupPath:
		return ""
	}
	return from
}

func stripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}
