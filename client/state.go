// Package client holds the client-resident half of authentication: the
// session state machine, route guarding, token storage and the API client.
package client

import "time"

// Kind names a session state
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindChecking        Kind = "checking"
	KindAuthenticated   Kind = "authenticated"
	KindUnauthenticated Kind = "unauthenticated"
	KindError           Kind = "error"
)

// Profile is the user display data held while authenticated
type Profile struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// State is an immutable snapshot of the session. User is set only for
// KindAuthenticated and Reason only for KindUnauthenticated and KindError.
type State struct {
	Kind   Kind
	User   Profile
	Reason string
}

func (s State) IsAuthenticated() bool { return s.Kind == KindAuthenticated }

func Unknown() State                      { return State{Kind: KindUnknown} }
func Checking() State                     { return State{Kind: KindChecking} }
func Authenticated(user Profile) State    { return State{Kind: KindAuthenticated, User: user} }
func Unauthenticated(reason string) State { return State{Kind: KindUnauthenticated, Reason: reason} }
func Failed(reason string) State          { return State{Kind: KindError, Reason: reason} }
