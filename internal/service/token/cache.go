// Package token caches short-lived vendor credentials shared by all sessions.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"ai-speech-relay-service/internal/observability/metrics"
)

// DefaultRefreshThreshold is how close to expiry a token may get before it is replaced.
const DefaultRefreshThreshold = 5 * time.Minute

// ErrEmptyToken is returned when a fetcher hands back a blank token.
var ErrEmptyToken = errors.New("token: fetcher returned empty token")

// Token is a bearer credential with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Fetcher obtains a fresh token from the vendor.
type Fetcher interface {
	Fetch(ctx context.Context) (Token, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Token, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

// Provider is the credential interface adapters depend on.
type Provider interface {
	GetToken(ctx context.Context) (string, time.Time, error)
}

// Cache serves a cached token and refreshes it before it gets close to expiry.
// Concurrent callers share one in-flight refresh.
type Cache struct {
	fetcher   Fetcher
	threshold time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	current Token

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithRefreshThreshold overrides DefaultRefreshThreshold.
func WithRefreshThreshold(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.threshold = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithToken seeds the cache.
func WithToken(t Token) Option {
	return func(c *Cache) { c.current = t }
}

// NewCache creates a cache backed by fetcher.
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:   fetcher,
		threshold: DefaultRefreshThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken returns a token whose remaining validity exceeds the refresh threshold,
// refreshing it first when needed.
func (c *Cache) GetToken(ctx context.Context) (string, time.Time, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if c.fresh(cur) {
		return cur.Value, cur.ExpiresAt, nil
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		// another caller may have refreshed between our check and this call
		c.mu.RLock()
		cur := c.current
		c.mu.RUnlock()
		if c.fresh(cur) {
			return cur, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", time.Time{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", time.Time{}, res.Err
		}
		t := res.Val.(Token)
		return t.Value, t.ExpiresAt, nil
	}
}

func (c *Cache) refresh(ctx context.Context) (Token, error) {
	t, err := c.fetcher.Fetch(ctx)
	if err != nil {
		metrics.DefaultMetrics.RecordTokenRefresh(false)
		return Token{}, fmt.Errorf("token refresh: %w", err)
	}
	if t.Value == "" {
		metrics.DefaultMetrics.RecordTokenRefresh(false)
		return Token{}, ErrEmptyToken
	}
	if !t.ExpiresAt.After(c.now()) {
		metrics.DefaultMetrics.RecordTokenRefresh(false)
		return Token{}, fmt.Errorf("token refresh: fetched token already expired at %s", t.ExpiresAt.Format(time.RFC3339))
	}

	c.mu.Lock()
	c.current = t
	c.mu.Unlock()

	metrics.DefaultMetrics.RecordTokenRefresh(true)
	log.Info().
		Str("component", "token_cache").
		Time("expiresAt", t.ExpiresAt).
		Msg("Token refreshed")
	return t, nil
}

func (c *Cache) fresh(t Token) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresAt.Sub(c.now()) > c.threshold
}
