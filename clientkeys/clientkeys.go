// Package clientkeys resolves a client's verification keys: embedded
// JWKS takes precedence over a remote jwks_uri, and remote fetches are
// cached process-wide with single-flight deduplication via
// golang.org/x/sync/singleflight so concurrent verifications against
// the same uncached client collapse into one fetch.
package clientkeys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/abblix/oidcore/clientinfo"
)

// DefaultCacheDuration is the JWKS cache TTL absent an explicit Options
// override.
const DefaultCacheDuration = time.Hour

// Options configures a Provider.
type Options struct {
	HTTPClient    *http.Client
	CacheDuration time.Duration
	Now           func() time.Time
}

type cacheEntry struct {
	set       jose.JSONWebKeySet
	fetchedAt time.Time
}

// Provider resolves the verification JWKS for a client, preferring an
// embedded set and falling back to a remote jwks_uri.
type Provider struct {
	http  *http.Client
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds a Provider.
func New(opts Options) *Provider {
	ttl := opts.CacheDuration
	if ttl <= 0 {
		ttl = DefaultCacheDuration
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{http: httpClient, ttl: ttl, now: now, cache: make(map[string]cacheEntry)}
}

// Resolve returns the JWKS to verify signatures/assertions from c. An
// embedded c.JWKS is authoritative; the two sources are never merged,
// to avoid silently widening trust.
func (p *Provider) Resolve(ctx context.Context, c *clientinfo.ClientInfo) (jose.JSONWebKeySet, error) {
	if c.JWKS != nil {
		return *c.JWKS, nil
	}
	if c.JWKSURI == "" {
		return jose.JSONWebKeySet{}, fmt.Errorf("clientkeys: client %s has neither jwks nor jwks_uri", c.ClientID)
	}
	return p.fetch(ctx, c.ClientID, c.JWKSURI)
}

func (p *Provider) fetch(ctx context.Context, clientID, uri string) (jose.JSONWebKeySet, error) {
	p.mu.RLock()
	entry, ok := p.cache[uri]
	p.mu.RUnlock()
	if ok && p.now().Before(entry.fetchedAt.Add(p.ttl)) {
		return entry.set, nil
	}

	v, err, _ := p.group.Do(uri, func() (interface{}, error) {
		set, err := p.fetchRemote(ctx, uri)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		p.mu.Lock()
		p.cache[uri] = cacheEntry{set: set, fetchedAt: p.now()}
		p.mu.Unlock()
		return set, nil
	})
	if err != nil {
		// Serve a stale cache entry rather than fail hard, if one exists.
		if ok {
			return entry.set, nil
		}
		return jose.JSONWebKeySet{}, fmt.Errorf("clientkeys: fetching jwks_uri for client %s: %w", clientID, err)
	}
	return v.(jose.JSONWebKeySet), nil
}

func (p *Provider) fetchRemote(ctx context.Context, uri string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("clientkeys: unexpected status %d from %s", resp.StatusCode, uri)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("clientkeys: decode jwks from %s: %w", uri, err)
	}
	return set, nil
}

// Invalidate drops any cached JWKS for uri, used when a client's
// registration changes.
func (p *Provider) Invalidate(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, uri)
}
