package credential

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore implements Store in process memory using ttlcache
type MemoryStore struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemoryStore creates an in-memory store. A zero ttl keeps values until
// they are overwritten or deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	// Start the cleanup process
	go cache.Start()

	return &MemoryStore{cache: cache}
}

// Save implements Store.Save
func (s *MemoryStore) Save(_ context.Context, key, value string) error {
	s.cache.Set(key, value, ttlcache.DefaultTTL)
	return nil
}

// Load implements Store.Load
func (s *MemoryStore) Load(_ context.Context, key string) (string, bool, error) {
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

// Delete implements Store.Delete
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// CheckHealth implements Store.CheckHealth
func (s *MemoryStore) CheckHealth(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}
