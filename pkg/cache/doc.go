// Package cache provides the short-lived response cache used by the proxy.
//
// The cache layer has three parts:
//
// - DeriveKey builds a deterministic key from method, full URL and credential
// - CachedResponse holds the parsed JSON payload and its insertion time
// - Store implementations keep entries for a fixed TTL measured from insertion
//
// # Basic Usage
//
//	// Create an in-memory store with a 60s TTL
//	store := cache.NewMemoryStore(60 * time.Second)
//	defer store.Close()
//
//	key := cache.DeriveKey("GET", "http://localhost:4052/rest/v1/books", "abc")
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - call the backend, then store the payload
//		_ = store.Set(ctx, key, cache.NewCachedResponse(payload, time.Now()))
//	}
//
// # Redis Backend
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := cache.NewRedisStore(redisClient, 60*time.Second)
//
// # Expiry
//
// Entries expire TTL after insertion, independent of reads. A lookup of an
// expired entry behaves exactly like a miss. There is no capacity bound: the
// memory store grows until TTL reclamation removes entries, so a burst of
// unique keys costs memory for up to one TTL.
//
// # Metrics
//
//   - athena_cache_hits_total{store} - Cache hits
//   - athena_cache_misses_total{store} - Cache misses (absent or expired)
//   - athena_cache_errors_total{store,operation} - Store operation errors
//   - athena_cache_entries{store} - Live entries in the memory store
package cache
