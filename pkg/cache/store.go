package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an entry lives after insertion.
const DefaultTTL = 60 * time.Second

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is a concurrency-safe key/value store with fixed TTL expiry.
// Callers never lock around it.
type Store interface {
	// Get returns ErrCacheMiss if the key doesn't exist or the entry is expired.
	Get(ctx context.Context, key string) (*CachedResponse, error)

	// Set stores an entry; it expires TTL after entry.CachedAt.
	Set(ctx context.Context, key string, entry *CachedResponse) error

	// Close releases background resources.
	Close() error
}

// Clock returns the current time. Stores take one so tests can pin time.
type Clock func() time.Time
