package google

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/cellar/core"
)

const (
	appA = "app-a.apps.googleusercontent.com"
	appB = "app-b.apps.googleusercontent.com"
)

var testKeys = sync.OnceValue(func() []*rsa.PrivateKey {
	keys := make([]*rsa.PrivateKey, 2)
	for i := range keys {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		keys[i] = k
	}
	return keys
})

type servedKey struct {
	kid string
	key *rsa.PublicKey
}

// fakeIssuer serves a JWKS document and counts fetches
type fakeIssuer struct {
	srv *httptest.Server

	mu           sync.Mutex
	keys         []servedKey
	cacheControl string
	delay        time.Duration

	fail    atomic.Bool
	fetches atomic.Int32
}

func newFakeIssuer(t *testing.T, keys ...servedKey) *fakeIssuer {
	t.Helper()
	f := &fakeIssuer{keys: keys}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIssuer) serve(w http.ResponseWriter, r *http.Request) {
	f.fetches.Add(1)

	f.mu.Lock()
	keys := append([]servedKey(nil), f.keys...)
	cacheControl := f.cacheControl
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if f.fail.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}
	for _, k := range keys {
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Kid: k.kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(k.key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.key.E)).Bytes()),
		})
	}

	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (f *fakeIssuer) setKeys(keys ...servedKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
}

func (f *fakeIssuer) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeIssuer) setCacheControl(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheControl = v
}

type testClock struct{ unix atomic.Int64 }

func newTestClock(t time.Time) *testClock {
	c := &testClock{}
	c.unix.Store(t.Unix())
	return c
}

func (c *testClock) Now() time.Time          { return time.Unix(c.unix.Load(), 0) }
func (c *testClock) Advance(d time.Duration) { c.unix.Add(int64(d / time.Second)) }

func newTestVerifier(t *testing.T, f *fakeIssuer, clock *testClock, mutate ...func(*Config)) *Verifier {
	t.Helper()
	cfg := Config{
		JWKSURL:         f.srv.URL,
		CacheTTL:        time.Hour,
		RefreshInterval: time.Hour,
		FetchTimeout:    2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	v, err := NewVerifier(cfg, WithClock(clock.Now), WithHTTPClient(f.srv.Client()))
	require.NoError(t, err)
	return v
}

func idClaims(now time.Time, aud string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            aud,
		"sub":            "109876543210",
		"email":          "sommelier@example.com",
		"email_verified": true,
		"name":           "Ada Sommelier",
		"picture":        "https://lh3.googleusercontent.com/a/photo.jpg",
		"iat":            now.Add(-time.Minute).Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func primaryKey() servedKey {
	return servedKey{kid: "k1", key: &testKeys()[0].PublicKey}
}

func secondaryKey() servedKey {
	return servedKey{kid: "k2", key: &testKeys()[1].PublicKey}
}

func TestVerify_Success(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	token := signRS256(t, testKeys()[0], "k1", idClaims(clock.Now(), appA))

	id, err := v.Verify(context.Background(), token, appA)
	require.NoError(t, err)
	assert.Equal(t, core.ExternalIdentity{
		Provider:      core.ProviderGoogle,
		Subject:       "109876543210",
		Email:         "sommelier@example.com",
		EmailVerified: true,
		DisplayName:   "Ada Sommelier",
		AvatarURL:     "https://lh3.googleusercontent.com/a/photo.jpg",
	}, id)
}

func TestVerify_AcceptsBothIssuerForms(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	for _, iss := range DefaultIssuers {
		claims := idClaims(clock.Now(), appA)
		claims["iss"] = iss
		claims["email_verified"] = "true"

		id, err := v.Verify(context.Background(), signRS256(t, testKeys()[0], "k1", claims), appA)
		require.NoError(t, err, iss)
		assert.True(t, id.EmailVerified)
	}
}

func TestVerify_AudienceMismatch(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	token := signRS256(t, testKeys()[0], "k1", idClaims(clock.Now(), appA))

	_, err := v.Verify(context.Background(), token, appB)
	assert.ErrorIs(t, err, core.ErrAudienceMismatch)

	_, err = v.Verify(context.Background(), token, "")
	assert.ErrorIs(t, err, core.ErrAudienceMismatch)
}

func TestVerify_Expired(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	claims := idClaims(clock.Now(), appA)
	claims["iat"] = clock.Now().Add(-2 * time.Hour).Unix()
	claims["exp"] = clock.Now().Add(-time.Hour).Unix()

	_, err := v.Verify(context.Background(), signRS256(t, testKeys()[0], "k1", claims), appA)
	assert.ErrorIs(t, err, core.ErrExpired)
}

func TestVerify_LeewayToleratesSkew(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock, func(c *Config) { c.Leeway = time.Minute })

	claims := idClaims(clock.Now(), appA)
	claims["exp"] = clock.Now().Add(-30 * time.Second).Unix()

	_, err := v.Verify(context.Background(), signRS256(t, testKeys()[0], "k1", claims), appA)
	assert.NoError(t, err)
}

func TestVerify_IssuedAtSkew(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))

	slightlyAhead := idClaims(clock.Now(), appA)
	slightlyAhead["iat"] = clock.Now().Add(10 * time.Second).Unix()
	farAhead := idClaims(clock.Now(), appA)
	farAhead["iat"] = clock.Now().Add(10 * time.Minute).Unix()

	v := newTestVerifier(t, f, clock)
	_, err := v.Verify(context.Background(), signRS256(t, testKeys()[0], "k1", slightlyAhead), appA)
	assert.NoError(t, err)

	_, err = v.Verify(context.Background(), signRS256(t, testKeys()[0], "k1", farAhead), appA)
	assert.ErrorIs(t, err, core.ErrMalformed)

	strict := newTestVerifier(t, f, clock, func(c *Config) { c.Leeway = -1 })
	_, err = strict.Verify(context.Background(), signRS256(t, testKeys()[0], "k1", slightlyAhead), appA)
	assert.ErrorIs(t, err, core.ErrMalformed)
}

func TestVerify_InvalidSignature(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	// signed with the wrong private key but naming k1
	token := signRS256(t, testKeys()[1], "k1", idClaims(clock.Now(), appA))

	_, err := v.Verify(context.Background(), token, appA)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)
	assert.Equal(t, int32(1), f.fetches.Load(), "a bad signature must not trigger a refresh")
}

func TestVerify_UntrustedIssuer(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	claims := idClaims(clock.Now(), appA)
	claims["iss"] = "https://evil.example.com"

	_, err := v.Verify(context.Background(), signRS256(t, testKeys()[0], "k1", claims), appA)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)
}

func TestVerify_RejectsHMACTokens(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, idClaims(clock.Now(), appA))
	tok.Header["kid"] = "k1"
	token, err := tok.SignedString([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token, appA)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)
}

func TestVerify_Malformed(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	noSub := idClaims(clock.Now(), appA)
	delete(noSub, "sub")
	noExp := idClaims(clock.Now(), appA)
	delete(noExp, "exp")

	cases := map[string]string{
		"garbage":     "not-a-token",
		"two parts":   "abc.def",
		"missing kid": signRS256(t, testKeys()[0], "", idClaims(clock.Now(), appA)),
		"missing sub": signRS256(t, testKeys()[0], "k1", noSub),
		"missing exp": signRS256(t, testKeys()[0], "k1", noExp),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token, appA)
			assert.ErrorIs(t, err, core.ErrMalformed)
		})
	}
}

func TestVerify_UnknownKIDRefreshesOnce(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)
	require.NoError(t, v.Warm(context.Background()))

	// issuer rotates in a new key after the cache was filled
	f.setKeys(primaryKey(), secondaryKey())
	token := signRS256(t, testKeys()[1], "k2", idClaims(clock.Now(), appA))

	_, err := v.Verify(context.Background(), token, appA)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetches.Load())

	_, err = v.Verify(context.Background(), token, appA)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetches.Load())
}

func TestVerify_UnknownKIDRefreshIsThrottled(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)
	require.NoError(t, v.Warm(context.Background()))

	token := signRS256(t, testKeys()[1], "k9", idClaims(clock.Now(), appA))

	for i := 0; i < 5; i++ {
		_, err := v.Verify(context.Background(), token, appA)
		assert.ErrorIs(t, err, core.ErrInvalidSignature)
	}
	assert.Equal(t, int32(2), f.fetches.Load())
}

func TestVerify_UpstreamUnavailable(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	f.fail.Store(true)
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	token := signRS256(t, testKeys()[0], "k1", idClaims(clock.Now(), appA))

	_, err := v.Verify(context.Background(), token, appA)
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, core.ErrInvalidSignature)

	assert.ErrorIs(t, v.Warm(context.Background()), core.ErrUpstreamUnavailable)
}

func TestVerify_FetchTimeout(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	f.setDelay(2 * time.Second)
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock, func(c *Config) { c.FetchTimeout = 50 * time.Millisecond })

	token := signRS256(t, testKeys()[0], "k1", idClaims(clock.Now(), appA))

	_, err := v.Verify(context.Background(), token, appA)
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
}

func TestVerify_ServesStaleKeysWhenRefreshFails(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock, func(c *Config) { c.RefreshInterval = time.Minute })
	require.NoError(t, v.Warm(context.Background()))

	f.fail.Store(true)
	clock.Advance(2 * time.Hour)

	token := signRS256(t, testKeys()[0], "k1", idClaims(clock.Now(), appA))
	for i := 0; i < 25; i++ {
		_, err := v.Verify(context.Background(), token, appA)
		require.NoError(t, err)
	}

	// one background attempt per refresh interval during the outage
	assert.Eventually(t, func() bool { return f.fetches.Load() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), f.fetches.Load())

	clock.Advance(time.Minute)
	_, err := v.Verify(context.Background(), token, appA)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.fetches.Load() == 3 }, time.Second, 10*time.Millisecond)
}

func TestKeyCache_HonorsMaxAge(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	f.setCacheControl("public, max-age=60, must-revalidate, no-transform")
	clock := newTestClock(time.Unix(1_700_000_000, 0))

	cache := NewKeyCache(Config{JWKSURL: f.srv.URL, CacheTTL: time.Hour}, WithClock(clock.Now))
	require.NoError(t, cache.Warm(context.Background()))

	clock.Advance(30 * time.Second)
	_, err := cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.fetches.Load())

	clock.Advance(31 * time.Second)
	_, err = cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.fetches.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestKeyCache_CoalescesConcurrentFills(t *testing.T) {
	f := newFakeIssuer(t, primaryKey())
	f.setDelay(50 * time.Millisecond)
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	v := newTestVerifier(t, f, clock)

	token := signRS256(t, testKeys()[0], "k1", idClaims(clock.Now(), appA))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Verify(context.Background(), token, appA)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.fetches.Load())
}

func TestMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                            0,
		"no-cache":                    0,
		"max-age=300":                 300 * time.Second,
		"public, max-age=19977, must": 19977 * time.Second,
		"Max-Age=10":                  10 * time.Second,
		"max-age=abc":                 0,
		"max-age=-1":                  0,
	}
	for header, want := range cases {
		assert.Equal(t, want, maxAge(header), header)
	}
}

func TestNewVerifier_RejectsFetchTimeoutAboveTTL(t *testing.T) {
	_, err := NewVerifier(Config{CacheTTL: time.Second, FetchTimeout: time.Minute})
	assert.Error(t, err)
}
