// Package google verifies Google-issued OAuth ID tokens against the
// issuer's published signing keys.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/ports"
)

// Verifier validates ID tokens
type Verifier struct {
	keys    *KeyCache
	issuers []string
	leeway  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var _ ports.IdentityVerifier = (*Verifier)(nil)

// NewVerifier creates a Verifier with an empty key cache
func NewVerifier(cfg Config, opts ...Option) (*Verifier, error) {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	if cfg.FetchTimeout > cfg.CacheTTL {
		return nil, errors.New("fetch timeout exceeds cache ttl")
	}

	return &Verifier{
		keys:    NewKeyCache(cfg, opts...),
		issuers: slices.Clone(cfg.Issuers),
		leeway:  cfg.Leeway,
		now:     o.now,
		logger:  o.logger,
	}, nil
}

// Warm fills the key cache before the first request
func (v *Verifier) Warm(ctx context.Context) error {
	return v.keys.Warm(ctx)
}

// Verify checks the token signature, issuer, audience and expiry and
// returns the identity it asserts.
func (v *Verifier) Verify(ctx context.Context, rawIdentityToken, expectedAudience string) (core.ExternalIdentity, error) {
	if expectedAudience == "" {
		return core.ExternalIdentity{}, fmt.Errorf("%w: no expected audience", core.ErrAudienceMismatch)
	}

	jwks, err := v.keys.Keys(ctx)
	if err != nil {
		return core.ExternalIdentity{}, err
	}

	claims, err := v.parse(rawIdentityToken, expectedAudience, jwks)
	if errors.Is(err, keyfunc.ErrKIDNotFound) {
		refreshed, rerr := v.keys.RefreshUnknownKID(ctx)
		if rerr != nil {
			return core.ExternalIdentity{}, rerr
		}
		if refreshed != nil {
			claims, err = v.parse(rawIdentityToken, expectedAudience, refreshed)
		}
	}
	if err != nil {
		err = classify(err)
		v.logger.Debug("identity token rejected", slog.Any("error", err))
		return core.ExternalIdentity{}, err
	}

	if !slices.Contains(v.issuers, claims.Issuer) {
		return core.ExternalIdentity{}, fmt.Errorf("%w: untrusted issuer %q", core.ErrInvalidSignature, claims.Issuer)
	}
	if claims.Subject == "" {
		return core.ExternalIdentity{}, fmt.Errorf("%w: missing subject", core.ErrMalformed)
	}

	return core.ExternalIdentity{
		Provider:      core.ProviderGoogle,
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: bool(claims.EmailVerified),
		DisplayName:   claims.Name,
		AvatarURL:     claims.Picture,
	}, nil
}

func (v *Verifier) parse(raw, audience string, jwks *keyfunc.JWKS) (*idTokenClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if v.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.leeway))
	}

	claims := &idTokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, jwks.Keyfunc, parserOpts...); err != nil {
		return nil, err
	}
	return claims, nil
}

// classify maps parser failures onto the auth error taxonomy
func classify(err error) error {
	switch {
	case errors.Is(err, keyfunc.ErrKIDNotFound):
		return fmt.Errorf("%w: unknown signing key", core.ErrInvalidSignature)
	case errors.Is(err, keyfunc.ErrKID):
		return fmt.Errorf("%w: missing key id", core.ErrMalformed)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", core.ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", core.ErrAudienceMismatch, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", core.ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: issued in the future beyond allowed clock skew", core.ErrMalformed)
	default:
		return fmt.Errorf("%w: %v", core.ErrMalformed, err)
	}
}
