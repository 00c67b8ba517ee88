package core

import "errors"

var (
	// ErrMalformed is returned when a token is structurally invalid
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidSignature is returned when a token fails its integrity check
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpired is returned when a token is past its expiry
	ErrExpired = errors.New("token has expired")

	// ErrAudienceMismatch is returned when an identity token was issued for another client
	ErrAudienceMismatch = errors.New("audience mismatch")

	// ErrUpstreamUnavailable is returned when the identity issuer keys cannot be fetched
	ErrUpstreamUnavailable = errors.New("identity issuer unavailable")

	// ErrUserResolutionFailed is returned when the user store cannot resolve or create a user
	ErrUserResolutionFailed = errors.New("user resolution failed")

	// ErrUserNotFound is returned by user stores on a missing user
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailConflict is returned when a new external subject presents an
	// unverified email already owned by another user
	ErrEmailConflict = errors.New("email already belongs to another user")

	ErrInvalidTTL   = errors.New("token ttl must be positive")
	ErrWeakSecret   = errors.New("signing secret must be at least 256 bits")
	ErrEmptySubject = errors.New("subject is required")
)

// IsAuthError reports whether err means the caller presented bad credentials.
// These all collapse to 401 at the HTTP boundary.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAudienceMismatch)
}
