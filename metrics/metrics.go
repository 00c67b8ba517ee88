// Package metrics collects Prometheus metrics for the authentication core.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/layer-3/cellar/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels shared by the counters
const (
	ResultSuccess             = "success"
	ResultMalformed           = "malformed"
	ResultInvalidSignature    = "invalid_signature"
	ResultExpired             = "expired"
	ResultAudienceMismatch    = "audience_mismatch"
	ResultUpstreamUnavailable = "upstream_unavailable"
	ResultUserResolution      = "user_resolution_failed"
	ResultError               = "error"
	ResultThrottled           = "throttled"
)

// ResultFor maps an authentication error to its result label
func ResultFor(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, core.ErrMalformed):
		return ResultMalformed
	case errors.Is(err, core.ErrInvalidSignature):
		return ResultInvalidSignature
	case errors.Is(err, core.ErrExpired):
		return ResultExpired
	case errors.Is(err, core.ErrAudienceMismatch):
		return ResultAudienceMismatch
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return ResultUpstreamUnavailable
	case errors.Is(err, core.ErrUserResolutionFailed):
		return ResultUserResolution
	default:
		return ResultError
	}
}

// Recorder is the metrics surface used by services and adapters
type Recorder interface {
	RecordLogin(result string)
	RecordSessionVerification(result string)
	RecordKeyRefresh(result string)
	RecordHTTPRequest(method, route string, status int)
}

// Collector records metrics into a Prometheus registry
type Collector struct {
	logins        *prometheus.CounterVec
	verifications *prometheus.CounterVec
	keyRefreshes  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_auth_login_total",
			Help: "Login attempts by result",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_auth_session_verification_total",
			Help: "Session token verifications by result",
		}, []string{"result"}),
		keyRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_auth_issuer_key_refresh_total",
			Help: "Identity issuer key set refreshes by result",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		c.logins,
		c.verifications,
		c.keyRefreshes,
		c.httpRequests,
	)

	return c
}

// RecordLogin records a login outcome
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordSessionVerification records a session token verification outcome
func (c *Collector) RecordSessionVerification(result string) {
	c.verifications.WithLabelValues(result).Inc()
}

// RecordKeyRefresh records an issuer key refresh outcome
func (c *Collector) RecordKeyRefresh(result string) {
	c.keyRefreshes.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records a served HTTP request
func (c *Collector) RecordHTTPRequest(method, route string, status int) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler returns the scrape handler for gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards all metrics
type Nop struct{}

func (Nop) RecordLogin(string)                    {}
func (Nop) RecordSessionVerification(string)      {}
func (Nop) RecordKeyRefresh(string)               {}
func (Nop) RecordHTTPRequest(string, string, int) {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
