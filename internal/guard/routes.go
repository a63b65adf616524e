package guard

import (
	"sort"
	"strings"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/session"
)

// Route binds a path prefix to its requirement.
type Route struct {
	Prefix      string
	Requirement Requirement
}

// Routes is a route table. Resolve picks the longest matching prefix.
type Routes []Route

// DefaultRoutes is the marketplace's route table.
func DefaultRoutes() Routes {
	routes := Routes{
		{Prefix: "/", Requirement: Public()},
		{Prefix: LoginPath, Requirement: PublicOnlyRoute()},
		{Prefix: SignupPath, Requirement: PublicOnlyRoute()},
		{Prefix: UnauthorizedPath, Requirement: Public()},
		{Prefix: VerifyEmailPath, Requirement: ExemptRoute()},
		{Prefix: CompleteProfilePath, Requirement: ExemptRoute()},
		{Prefix: "/jobs", Requirement: Protected()},
		{Prefix: "/forum", Requirement: Protected()},
		{Prefix: "/resources", Requirement: Protected()},
		{Prefix: "/admin", Requirement: RoleRoute(api.RoleAdmin)},
	}
	for _, role := range api.Roles {
		routes = append(routes, Route{Prefix: DashboardPath(role), Requirement: RoleRoute(role)})
	}
	return routes
}

// Resolve returns the requirement of the longest route prefix matching path
// on a segment boundary. Paths matching nothing are public.
func (r Routes) Resolve(path string) Requirement {
	path = stripQuery(path)
	if path == "" {
		path = "/"
	}

	best := -1
	for i, route := range r {
		if !matches(route.Prefix, path) {
			continue
		}
		if best < 0 || len(route.Prefix) > len(r[best].Prefix) {
			best = i
		}
	}
	if best < 0 {
		return Public()
	}
	return r[best].Requirement
}

// Check resolves path and runs the guard against it.
func (r Routes) Check(s session.Session, path string) Decision {
	return Check(s, r.Resolve(path), path)
}

// Prefixes returns the table's prefixes in sorted order.
func (r Routes) Prefixes() []string {
	out := make([]string, 0, len(r))
	for _, route := range r {
		out = append(out, route.Prefix)
	}
	sort.Strings(out)
	return out
}

func matches(prefix, path string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	prefix = strings.TrimRight(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
