// Package cache provides TTL caches for upstream market data responses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Cache stores opaque response bodies under a request fingerprint.
//
// Get reports ok=false on a miss or an expired entry. Implementations are
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key returns the SHA-256 fingerprint of parts, namespaced by the first part.
//
//	cache.Key("yahoo", "AAPL", "2025-01-01", "2025-03-01", "1d")
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	prefix := "req"
	if len(parts) > 0 && parts[0] != "" {
		prefix = parts[0]
	}
	return "marketgraph:" + prefix + ":" + hex.EncodeToString(sum[:])
}

// Nop is a Cache that never stores anything.
type Nop struct{}

// Get implements Cache.
func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Set implements Cache.
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
