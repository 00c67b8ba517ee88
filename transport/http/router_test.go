package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/cellar/adapters/store"
	"github.com/layer-3/cellar/adapters/tokenizer"
	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/metrics"
	"github.com/layer-3/cellar/ports"
	"github.com/layer-3/cellar/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubVerifier struct {
	err error
}

func (s *stubVerifier) Verify(ctx context.Context, raw, audience string) (core.ExternalIdentity, error) {
	if s.err != nil {
		return core.ExternalIdentity{}, s.err
	}
	if raw != "valid-google-token" {
		return core.ExternalIdentity{}, core.ErrInvalidSignature
	}
	return core.ExternalIdentity{
		Provider:    core.ProviderGoogle,
		Subject:     "g-ada",
		Email:       "ada@example.com",
		DisplayName: "Ada",
		AvatarURL:   "https://example.com/ada.png",
	}, nil
}

type failingUsers struct{ *store.MemoryStore }

func (failingUsers) FindOrCreateByExternalIdentity(context.Context, core.ExternalIdentity) (core.User, bool, error) {
	return core.User{}, false, io.ErrUnexpectedEOF
}

type testServer struct {
	router   *gin.Engine
	verifier *stubVerifier
	registry *prometheus.Registry
	now      time.Time
}

func newTestServer(t *testing.T, users ports.UserStore) *testServer {
	t.Helper()

	tk, err := tokenizer.NewHMACTokenizer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	ts := &testServer{
		verifier: &stubVerifier{},
		registry: prometheus.NewRegistry(),
		now:      time.Now(),
	}
	collector := metrics.NewCollector(ts.registry)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := service.NewAuthService(ts.verifier, users, tk, nil,
		service.WithAudience("app-a"),
		service.WithSessionTTL(15*time.Minute),
		service.WithClock(func() time.Time { return ts.now }),
		service.WithLogger(logger),
		service.WithMetrics(collector),
	)

	ts.router = SetupRouter(svc, RouterConfig{
		Logger:         logger,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(ts.registry),
	})
	return ts
}

func (ts *testServer) do(method, path, body, bearer string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) login(t *testing.T) map[string]any {
	t.Helper()
	w := ts.do(http.MethodPost, "/auth/google", `{"googleIdToken":"valid-google-token"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestGoogleLogin_Success(t *testing.T) {
	ts := newTestServer(t, store.NewMemoryStore())

	body := ts.login(t)
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["userId"])
	assert.Equal(t, "ada@example.com", body["email"])
	assert.Equal(t, "Ada", body["displayName"])
	assert.Equal(t, "https://example.com/ada.png", body["avatarUrl"])
	assert.NotEmpty(t, body["expiresAt"])
}

func TestGoogleLogin_BadRequest(t *testing.T) {
	ts := newTestServer(t, store.NewMemoryStore())

	for _, body := range []string{`{}`, `not json`, `{"googleIdToken":""}`} {
		w := ts.do(http.MethodPost, "/auth/google", body, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestGoogleLogin_ErrorMapping(t *testing.T) {
	cases := map[error]int{
		core.ErrMalformed:           http.StatusUnauthorized,
		core.ErrInvalidSignature:    http.StatusUnauthorized,
		core.ErrExpired:             http.StatusUnauthorized,
		core.ErrAudienceMismatch:    http.StatusUnauthorized,
		core.ErrUpstreamUnavailable: http.StatusServiceUnavailable,
	}
	for sentinel, want := range cases {
		t.Run(sentinel.Error(), func(t *testing.T) {
			ts := newTestServer(t, store.NewMemoryStore())
			ts.verifier.err = sentinel

			w := ts.do(http.MethodPost, "/auth/google", `{"googleIdToken":"valid-google-token"}`, "")
			assert.Equal(t, want, w.Code)
		})
	}
}

func TestGoogleLogin_UserResolutionFailure(t *testing.T) {
	ts := newTestServer(t, failingUsers{store.NewMemoryStore()})

	w := ts.do(http.MethodPost, "/auth/google", `{"googleIdToken":"valid-google-token"}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMe(t *testing.T) {
	ts := newTestServer(t, store.NewMemoryStore())
	login := ts.login(t)

	w := ts.do(http.MethodGet, "/api/me", "", login["token"].(string))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, login["userId"], body["userId"])
	assert.Equal(t, "ada@example.com", body["email"])
	assert.NotEmpty(t, body["createdAt"])
}

func TestMe_RejectsWithGenericBody(t *testing.T) {
	ts := newTestServer(t, store.NewMemoryStore())
	login := ts.login(t)
	token := login["token"].(string)

	parts := strings.Split(token, ".")
	tampered := parts[0] + ".X" + parts[1][1:] + "." + parts[2]

	requests := map[string]*http.Request{
		"no header": httptest.NewRequest(http.MethodGet, "/api/me", nil),
	}
	for name, header := range map[string]string{
		"wrong scheme":  "Basic " + token,
		"empty bearer":  "Bearer ",
		"garbage":       "Bearer not-a-token",
		"tampered":      "Bearer " + tampered,
		"missing space": "Bearer" + token,
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set("Authorization", header)
		requests[name] = req
	}

	for name, req := range requests {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
		})
	}
}

func TestMe_ExpiredToken(t *testing.T) {
	ts := newTestServer(t, store.NewMemoryStore())
	login := ts.login(t)

	ts.now = ts.now.Add(16 * time.Minute)
	w := ts.do(http.MethodGet, "/api/me", "", login["token"].(string))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, store.NewMemoryStore())

	w := ts.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	ts.login(t)

	w = ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.Contains(w.Body.Bytes(), []byte(`cellar_auth_login_total{result="success"} 1`)))
	assert.True(t, bytes.Contains(w.Body.Bytes(), []byte(`cellar_http_requests_total{method="POST",route="/auth/google",status="200"} 1`)))
}
