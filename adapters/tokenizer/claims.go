package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims are the registered claims carried by a session token.
// Only sub, iat, exp (and iss when configured) are set.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// header is the subset of the JOSE header the codec inspects before
// touching the signature
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}
