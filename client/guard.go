package client

import (
	"context"
	"sync"
)

// Route names a client screen
type Route string

const (
	RouteSplash Route = "splash"
	RouteLogin  Route = "login"
	RouteHome   Route = "home"
)

// IsPublic reports whether a route is reachable without a session
func IsPublic(r Route) bool {
	return r == RouteSplash || r == RouteLogin
}

// Decision is the outcome of a navigation check. Redirect is empty when
// the navigation is allowed.
type Decision struct {
	Allow    bool
	Redirect Route
}

func allow() Decision             { return Decision{Allow: true} }
func redirectTo(r Route) Decision { return Decision{Redirect: r} }

// Decide gates navigation to target given the session state
func Decide(state State, target Route) Decision {
	switch {
	case state.IsAuthenticated() && target == RouteLogin:
		return redirectTo(RouteHome)
	case !state.IsAuthenticated() && !IsPublic(target):
		return redirectTo(RouteLogin)
	default:
		return allow()
	}
}

// Redirector performs navigation in the host UI
type Redirector interface {
	Redirect(to Route)
}

// RedirectFunc adapts a function to Redirector
type RedirectFunc func(to Route)

func (f RedirectFunc) Redirect(to Route) { f(to) }

// Guard applies Decide to navigation requests and to session changes
type Guard struct {
	machine    *Machine
	redirector Redirector

	mu      sync.Mutex
	current Route
}

// NewGuard creates a Guard positioned on initial
func NewGuard(machine *Machine, redirector Redirector, initial Route) *Guard {
	return &Guard{
		machine:    machine,
		redirector: redirector,
		current:    initial,
	}
}

// Current returns the route the guard last allowed or redirected to
func (g *Guard) Current() Route {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Navigate checks a navigation attempt and records where it lands
func (g *Guard) Navigate(target Route) Decision {
	d := Decide(g.machine.State(), target)

	g.mu.Lock()
	if d.Allow {
		g.current = target
	} else {
		g.current = d.Redirect
	}
	g.mu.Unlock()

	return d
}

// Watch re-evaluates the current route on every state change until ctx
// is done, redirecting when the route is no longer allowed
func (g *Guard) Watch(ctx context.Context) {
	states, cancel := g.machine.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			g.reevaluate(s)
		}
	}
}

func (g *Guard) reevaluate(s State) {
	g.mu.Lock()
	d := Decide(s, g.current)
	if d.Allow {
		g.mu.Unlock()
		return
	}
	g.current = d.Redirect
	g.mu.Unlock()

	g.redirector.Redirect(d.Redirect)
}
