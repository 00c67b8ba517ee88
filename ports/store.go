package ports

import (
	"context"

	"github.com/layer-3/cellar/core"
)

// UserStore resolves external identities to local users.
// Implementations enforce uniqueness of external subject and email.
type UserStore interface {
	// FindOrCreateByExternalIdentity is an idempotent upsert keyed by the
	// external subject, falling back to the normalized email. A verified
	// email binds the new subject to the existing user; an unverified one
	// owned by a different subject yields core.ErrEmailConflict.
	// The bool reports whether a user was created.
	FindOrCreateByExternalIdentity(ctx context.Context, identity core.ExternalIdentity) (core.User, bool, error)
	FindByID(ctx context.Context, id string) (core.User, error)
}
