package ports

import (
	"context"

	"github.com/layer-3/cellar/core"
)

// IdentityVerifier validates third-party identity tokens
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIdentityToken, expectedAudience string) (core.ExternalIdentity, error)
}
