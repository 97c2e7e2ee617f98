// Package market provides the data providers, indicator math, fundamental
// scoring and sentiment research behind the analysis branches, and
// registers them as tools.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dshills/marketgraph/internal/cache"
)

// maxResponseSize caps upstream response bodies.
const maxResponseSize = 8 << 20

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Source string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Source, e.Status, e.Body)
}

// fetcher issues GET requests and caches successful bodies.
//
// The cache key is built from the URL with secretParam removed so API keys
// never reach the cache backend.
type fetcher struct {
	source      string
	client      *http.Client
	cache       cache.Cache
	ttl         time.Duration
	secretParam string
	userAgent   string
}

func newFetcher(source string, client *http.Client, c cache.Cache, ttl time.Duration) fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if c == nil {
		c = cache.Nop{}
	}
	return fetcher{source: source, client: client, cache: c, ttl: ttl}
}

func (f fetcher) cacheKey(u *url.URL) string {
	q := u.Query()
	if f.secretParam != "" {
		q.Del(f.secretParam)
	}
	return cache.Key(f.source, u.Scheme+"://"+u.Host+u.Path, q.Encode())
}

// getJSON fetches u and decodes the body into out.
func (f fetcher) getJSON(ctx context.Context, u *url.URL, out interface{}) error {
	key := f.cacheKey(u)
	if body, ok, err := f.cache.Get(ctx, key); err == nil && ok {
		if err := json.Unmarshal(body, out); err == nil {
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", f.source, err)
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", f.source, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", f.source, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &StatusError{Source: f.source, Status: resp.StatusCode, Body: snippet}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", f.source, err)
	}

	// Cache failures only cost a refetch.
	_ = f.cache.Set(ctx, key, body, f.ttl)
	return nil
}
