package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const storeMemory = "memory"

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry decisions.
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithJanitor enables a background sweep of expired entries every interval.
// A zero interval disables the sweep; expired entries are then only dropped
// when looked up.
func WithJanitor(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepEvery = interval
	}
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	now     Clock

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewMemoryStore creates a memory store whose entries live for ttl.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &MemoryStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweepEvery > 0 {
		go s.janitor()
	} else {
		close(s.done)
	}

	return s
}

// Get retrieves an entry by key.
func (s *MemoryStore) Get(_ context.Context, key string) (*CachedResponse, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		CacheMisses.WithLabelValues(storeMemory).Inc()
		return nil, ErrCacheMiss
	}

	if entry.IsExpired(s.now(), s.ttl) {
		s.deleteIfSame(key, entry)
		CacheMisses.WithLabelValues(storeMemory).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(storeMemory).Inc()
	return entry, nil
}

// Set stores an entry. A later Set for the same key replaces it.
func (s *MemoryStore) Set(_ context.Context, key string, entry *CachedResponse) error {
	if entry == nil {
		CacheErrors.WithLabelValues(storeMemory, "set").Inc()
		return fmt.Errorf("cache entry cannot be nil")
	}

	// Entries are treated as immutable once stored.
	stored := *entry
	if stored.CachedAt.IsZero() {
		stored.CachedAt = s.now()
	}

	s.mu.Lock()
	s.entries[key] = &stored
	n := len(s.entries)
	s.mu.Unlock()

	CacheEntries.WithLabelValues(storeMemory).Set(float64(n))
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for key, entry := range s.entries {
		if entry.IsExpired(now, s.ttl) {
			delete(s.entries, key)
			removed++
		}
	}
	n := len(s.entries)
	s.mu.Unlock()

	CacheEntries.WithLabelValues(storeMemory).Set(float64(n))
	return removed
}

// Close stops the janitor. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// deleteIfSame removes key only if it still maps to entry, so a concurrent
// Set of a fresh value is not lost.
func (s *MemoryStore) deleteIfSame(key string, entry *CachedResponse) {
	s.mu.Lock()
	if current, ok := s.entries[key]; ok && current == entry {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

func (s *MemoryStore) janitor() {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
