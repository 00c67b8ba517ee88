package google

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/layer-3/cellar/metrics"
)

// Issuers Google signs ID tokens as
var DefaultIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

const (
	DefaultJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	DefaultCacheTTL        = time.Hour
	DefaultRefreshInterval = time.Minute
	DefaultFetchTimeout    = 5 * time.Second
	DefaultLeeway          = 30 * time.Second

	maxJWKSBytes = 1 << 20
)

// Config controls where keys come from and how long they are trusted
type Config struct {
	JWKSURL string
	// CacheTTL applies when the key response carries no max-age
	CacheTTL time.Duration
	// RefreshInterval is the minimum gap between unknown-kid refreshes
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	Issuers         []string
	// Leeway tolerates clock skew on exp and iat. Zero means DefaultLeeway;
	// a negative value disables it.
	Leeway time.Duration
}

func (c Config) withDefaults() Config {
	if c.JWKSURL == "" {
		c.JWKSURL = DefaultJWKSURL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if len(c.Issuers) == 0 {
		c.Issuers = DefaultIssuers
	}
	switch {
	case c.Leeway == 0:
		c.Leeway = DefaultLeeway
	case c.Leeway < 0:
		c.Leeway = 0
	}
	return c
}

type options struct {
	client  *http.Client
	now     func() time.Time
	logger  *slog.Logger
	metrics metrics.Recorder
}

// Option customizes a Verifier
type Option func(*options)

// WithHTTPClient sets the client used to fetch the key set
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithClock overrides the time source for token and cache expiry
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		client:  http.DefaultClient,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
