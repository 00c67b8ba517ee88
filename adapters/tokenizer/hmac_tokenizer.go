package tokenizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/ports"
)

// MinSecretLength is the minimum HMAC secret size in bytes (256 bits)
const MinSecretLength = 32

// HMACTokenizer implements the Tokenizer interface with HS256 JWTs
type HMACTokenizer struct {
	secret []byte
	issuer string
	method *jwt.SigningMethodHMAC
	parser *jwt.Parser
}

// Option configures an HMACTokenizer
type Option func(*HMACTokenizer)

// WithIssuer stamps tokens with an iss claim and requires it on verification
func WithIssuer(issuer string) Option {
	return func(t *HMACTokenizer) {
		t.issuer = issuer
	}
}

// NewHMACTokenizer creates a new HS256 session tokenizer
func NewHMACTokenizer(secret []byte, opts ...Option) (*HMACTokenizer, error) {
	if len(secret) < MinSecretLength {
		return nil, core.ErrWeakSecret
	}

	t := &HMACTokenizer{
		secret: append([]byte(nil), secret...),
		method: jwt.SigningMethodHS256,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

var _ ports.Tokenizer = (*HMACTokenizer)(nil)

// Issue signs a token for subject valid from now until now+ttl
func (t *HMACTokenizer) Issue(subject string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", core.ErrInvalidTTL
	}
	if subject == "" {
		return "", fmt.Errorf("%w: %w", core.ErrMalformed, core.ErrEmptySubject)
	}

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(t.method, claims)

	signedToken, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signedToken, nil
}

// Verify checks the token integrity first and its claims second.
// Signature verification runs over the raw header.payload text so that any
// change to the payload is reported as ErrInvalidSignature.
func (t *HMACTokenizer) Verify(tokenStr string, now time.Time) (core.SessionClaims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return core.SessionClaims{}, fmt.Errorf("%w: expected 3 segments, got %d", core.ErrMalformed, len(parts))
	}
	for _, part := range parts {
		if part == "" {
			return core.SessionClaims{}, fmt.Errorf("%w: empty segment", core.ErrMalformed)
		}
	}

	// Pin the algorithm before looking at the signature
	rawHeader, err := t.parser.DecodeSegment(parts[0])
	if err != nil {
		return core.SessionClaims{}, fmt.Errorf("%w: header encoding", core.ErrMalformed)
	}
	var hdr header
	if err := json.Unmarshal(rawHeader, &hdr); err != nil {
		return core.SessionClaims{}, fmt.Errorf("%w: header json", core.ErrMalformed)
	}
	if hdr.Alg != t.method.Alg() {
		return core.SessionClaims{}, fmt.Errorf("%w: unexpected signing method %q", core.ErrInvalidSignature, hdr.Alg)
	}

	sig, err := t.parser.DecodeSegment(parts[2])
	if err != nil {
		return core.SessionClaims{}, fmt.Errorf("%w: signature encoding", core.ErrMalformed)
	}

	// hmac.Equal under the hood, constant time
	if err := t.method.Verify(parts[0]+"."+parts[1], sig, t.secret); err != nil {
		return core.SessionClaims{}, core.ErrInvalidSignature
	}

	claims := &SessionClaims{}
	if _, _, err := t.parser.ParseUnverified(tokenStr, claims); err != nil {
		return core.SessionClaims{}, fmt.Errorf("%w: payload", core.ErrMalformed)
	}

	if claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return core.SessionClaims{}, fmt.Errorf("%w: missing required claim", core.ErrMalformed)
	}
	if t.issuer != "" && claims.Issuer != t.issuer {
		return core.SessionClaims{}, fmt.Errorf("%w: unexpected issuer", core.ErrMalformed)
	}

	if !now.Before(claims.ExpiresAt.Time) {
		return core.SessionClaims{}, core.ErrExpired
	}

	return core.SessionClaims{
		Subject:   claims.Subject,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// UnverifiedSubject returns the sub claim if it can be decoded at all
func (t *HMACTokenizer) UnverifiedSubject(tokenStr string) string {
	claims := &SessionClaims{}
	if _, _, err := t.parser.ParseUnverified(tokenStr, claims); err != nil {
		return ""
	}
	return claims.Subject
}
