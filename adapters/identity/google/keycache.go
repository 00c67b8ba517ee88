package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/metrics"
)

type keySet struct {
	jwks      *keyfunc.JWKS
	expiresAt time.Time
}

// KeyCache holds the issuer's signing keys. Each refresh builds a new
// key set and swaps it in, so readers never wait on a fetch unless the
// cache has never been filled.
type KeyCache struct {
	url             string
	ttl             time.Duration
	fetchTimeout    time.Duration
	refreshInterval time.Duration

	client  *http.Client
	now     func() time.Time
	logger  *slog.Logger
	metrics metrics.Recorder

	current atomic.Pointer[keySet]
	group   singleflight.Group
	limiter *rate.Limiter

	// earliest unix nano at which a stale set may trigger another refresh
	nextStaleRefresh atomic.Int64
}

// NewKeyCache creates an empty cache for the key set at cfg.JWKSURL
func NewKeyCache(cfg Config, opts ...Option) *KeyCache {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	return &KeyCache{
		url:             cfg.JWKSURL,
		ttl:             cfg.CacheTTL,
		fetchTimeout:    cfg.FetchTimeout,
		refreshInterval: cfg.RefreshInterval,
		client:          o.client,
		now:             o.now,
		logger:          o.logger,
		metrics:         o.metrics,
		limiter:         rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
	}
}

// Warm fetches the key set synchronously
func (c *KeyCache) Warm(ctx context.Context) error {
	_, err := c.refresh(ctx, c.current.Load())
	return err
}

// Keys returns the cached key set. An empty cache is filled
// synchronously; a stale one is returned as is while a background
// refresh replaces it. Background refreshes start at most once per
// refresh interval, so an issuer outage is not hit on every request.
func (c *KeyCache) Keys(ctx context.Context) (*keyfunc.JWKS, error) {
	ks := c.current.Load()
	if ks == nil {
		return c.refresh(ctx, nil)
	}

	now := c.now()
	if !now.Before(ks.expiresAt) && c.claimStaleRefresh(now) {
		go func() {
			_, _ = c.refresh(context.Background(), ks)
		}()
	}

	return ks.jwks, nil
}

func (c *KeyCache) claimStaleRefresh(now time.Time) bool {
	next := c.nextStaleRefresh.Load()
	if now.UnixNano() < next {
		return false
	}
	return c.nextStaleRefresh.CompareAndSwap(next, now.Add(c.refreshInterval).UnixNano())
}

// RefreshUnknownKID refetches the key set after a token named a key id
// the cache does not hold. It returns nil keys and no error when the
// refresh is throttled.
func (c *KeyCache) RefreshUnknownKID(ctx context.Context) (*keyfunc.JWKS, error) {
	if !c.limiter.Allow() {
		c.metrics.RecordKeyRefresh(metrics.ResultThrottled)
		return nil, nil
	}
	return c.refresh(ctx, c.current.Load())
}

// refresh fetches a new key set unless another caller already replaced
// the one seen.
func (c *KeyCache) refresh(ctx context.Context, seen *keySet) (*keyfunc.JWKS, error) {
	v, err, _ := c.group.Do("jwks", func() (any, error) {
		if ks := c.current.Load(); ks != nil && ks != seen {
			return ks.jwks, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		jwks, maxAge, err := c.fetch(fetchCtx)
		if err != nil {
			c.metrics.RecordKeyRefresh(metrics.ResultError)
			c.logger.Warn("issuer key refresh failed",
				slog.String("url", c.url),
				slog.Bool("stale_available", c.current.Load() != nil),
				slog.Any("error", err))
			return nil, fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)
		}

		ttl := c.ttl
		if maxAge > 0 {
			ttl = maxAge
		}

		c.current.Store(&keySet{jwks: jwks, expiresAt: c.now().Add(ttl)})
		c.metrics.RecordKeyRefresh(metrics.ResultSuccess)
		c.logger.Debug("issuer keys refreshed",
			slog.Int("keys", jwks.Len()),
			slog.Duration("ttl", ttl))

		return jwks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keyfunc.JWKS), nil
}

func (c *KeyCache) fetch(ctx context.Context) (*keyfunc.JWKS, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read keys: %w", err)
	}

	jwks, err := keyfunc.NewJSON(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse keys: %w", err)
	}
	if jwks.Len() == 0 {
		return nil, 0, errors.New("key set is empty")
	}

	return jwks, maxAge(resp.Header.Get("Cache-Control")), nil
}

// maxAge extracts the max-age directive, zero when absent or invalid
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}
