// Package shell decides which routes the current session may enter and
// which navigation links it sees.
package shell

import (
	"errors"
	"net/url"
	"strings"

	"github.com/ehr/medidiag/internal/domain/identity"
	"github.com/ehr/medidiag/internal/session"
)

var (
	// ErrNotFound is returned for unknown routes and for role violations,
	// which render exactly like an unknown route.
	ErrNotFound = errors.New("página no encontrada")
	// ErrSignInRequired is returned when an anonymous session enters a
	// route that requires an identity.
	ErrSignInRequired = errors.New("inicia sesión para continuar")
	// ErrPending is returned while the session is still bootstrapping.
	ErrPending = errors.New("sesión en verificación")
)

type Route string

const (
	RouteHome      Route = "home"
	RouteSignIn    Route = "sign-in"
	RouteSignUp    Route = "sign-up"
	RouteDashboard Route = "dashboard"
	RoutePatients  Route = "patients"
	RouteDiseases  Route = "diseases"
	RouteUsers     Route = "users"
)

// Access is the least session a route requires.
type Access int

const (
	Public Access = iota
	Authenticated
	AdminOnly
)

type routeInfo struct {
	path   string
	label  string
	access Access
}

var routes = map[Route]routeInfo{
	RouteHome:      {"/", "Inicio", Public},
	RouteSignIn:    {"/sign-in", "Iniciar Sesión", Public},
	RouteSignUp:    {"/sign-up", "Registrarse", Public},
	RouteDashboard: {"/dashboard", "Inicio", Authenticated},
	RoutePatients:  {"/pacientes", "Pacientes", Authenticated},
	RouteDiseases:  {"/enfermedades", "Catálogo Médico", Authenticated},
	RouteUsers:     {"/admin/usuarios", "Usuarios", AdminOnly},
}

func (r Route) Path() string { return routes[r].path }

func (r Route) Label() string { return routes[r].label }

func (r Route) Access() Access { return routes[r].access }

// ParsePath maps a URL path to its route.
func ParsePath(p string) (Route, bool) {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		p = "/"
	}
	for r, info := range routes {
		if info.path == p {
			return r, true
		}
	}
	return "", false
}

// Decision is the outcome of resolving a route against a session.
type Decision int

const (
	Pending Decision = iota
	Permit
	RedirectSignIn
	NotFound
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Permit:
		return "permit"
	case RedirectSignIn:
		return "redirect-sign-in"
	case NotFound:
		return "not-found"
	}
	return "unknown"
}

// Resolve decides whether snap may enter r. Public routes are always
// permitted; restricted ones wait for the bootstrap to finish.
func Resolve(snap session.Snapshot, r Route) Decision {
	info, ok := routes[r]
	if !ok {
		return NotFound
	}
	if info.access == Public {
		return Permit
	}
	if snap.IsLoading() {
		return Pending
	}
	if !snap.IsAuthenticated() {
		return RedirectSignIn
	}
	if info.access == AdminOnly {
		if err := Admit(snap, identity.RoleAdmin); err != nil {
			return NotFound
		}
	}
	return Permit
}

// Enter resolves r and returns the matching error, nil when permitted.
func Enter(snap session.Snapshot, r Route) error {
	switch Resolve(snap, r) {
	case Permit:
		return nil
	case Pending:
		return ErrPending
	case RedirectSignIn:
		return ErrSignInRequired
	default:
		return ErrNotFound
	}
}

// Admit is the check a restricted page body performs itself, independent
// of routing.
func Admit(snap session.Snapshot, required identity.Role) error {
	if snap.IsLoading() {
		return ErrPending
	}
	if !snap.IsAuthenticated() || snap.Role() != required {
		return ErrNotFound
	}
	return nil
}

// SignInRedirect is the sign-in location that returns to r afterwards.
func SignInRedirect(r Route) string {
	return RouteSignIn.Path() + "?redirect=" + url.QueryEscape(r.Path())
}

// Link is one navigation entry.
type Link struct {
	Route Route
	Label string
	Path  string
}

func link(r Route) Link {
	return Link{Route: r, Label: r.Label(), Path: r.Path()}
}

// NavLinks returns the navigation entries for snap. While the session is
// loading no identity-dependent entry is shown.
func NavLinks(snap session.Snapshot) []Link {
	switch {
	case snap.IsLoading():
		return nil
	case !snap.IsAuthenticated():
		return []Link{link(RouteSignIn)}
	}
	links := []Link{link(RouteDashboard), link(RoutePatients), link(RouteDiseases)}
	if snap.Role() == identity.RoleAdmin {
		links = append(links, link(RouteUsers))
	}
	return links
}

// Layout is the frame rendered around every page.
type Layout struct {
	Title     string
	Links     []Link
	Loading   bool
	UserName  string
	Initials  string
	RoleLabel string
}

func BuildLayout(title string, snap session.Snapshot) Layout {
	l := Layout{Title: title, Links: NavLinks(snap), Loading: snap.IsLoading()}
	if snap.IsAuthenticated() {
		l.UserName = snap.User.DisplayName()
		l.Initials = snap.User.Initials()
		l.RoleLabel = snap.User.Role.Label()
	}
	return l
}
