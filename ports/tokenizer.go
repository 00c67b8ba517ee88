package ports

import (
	"time"

	"github.com/layer-3/cellar/core"
)

// Tokenizer issues and verifies session tokens
type Tokenizer interface {
	Issue(subject string, now time.Time, ttl time.Duration) (string, error)
	Verify(token string, now time.Time) (core.SessionClaims, error)

	// UnverifiedSubject decodes the subject claim without any checks.
	// Only for logging; never for authorization.
	UnverifiedSubject(token string) string
}
