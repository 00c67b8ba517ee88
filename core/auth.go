package core

import "time"

// ProviderGoogle identifies identities verified against Google
const ProviderGoogle = "google"

// SessionClaims are the verified contents of a session token
type SessionClaims struct {
	Subject   string    // Local user id
	IssuedAt  time.Time // When the token was issued
	ExpiresAt time.Time // First instant at which the token is no longer valid
}

// ExternalIdentity is the result of verifying a third-party identity token.
// It is never persisted directly.
type ExternalIdentity struct {
	Provider      string
	Subject       string // Provider's stable user id
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
}

// User is the local user record an external identity resolves to
type User struct {
	ID              string
	ExternalSubject string
	Email           string
	DisplayName     string
	AvatarURL       string
	CreatedAt       time.Time
}
