package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/cellar/core"
)

// TokenInfo is what the client can read from its own session token
// without the signing secret
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

var unverifiedParser = jwt.NewParser()

// InspectToken checks the token's shape and expiry locally. It proves
// nothing about authenticity; the server remains the authority.
func InspectToken(token string, now time.Time) (TokenInfo, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := unverifiedParser.ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", core.ErrMalformed, err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return TokenInfo{}, fmt.Errorf("%w: missing sub or exp", core.ErrMalformed)
	}

	info := TokenInfo{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}
	if !now.Before(info.ExpiresAt) {
		return info, core.ErrExpired
	}
	return info, nil
}
