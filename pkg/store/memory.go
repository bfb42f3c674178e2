package store

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in memory Store. Entries that are not written for ttl are
// evicted. A zero ttl keeps entries forever.
type Memory struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemory returns a new in memory store and starts its eviction loop.
func NewMemory(ttl time.Duration) *Memory {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	go cache.Start()

	return &Memory{cache: cache}
}

// Get implements Store.
func (m *Memory) Get(key string) (string, error) {
	item := m.cache.Get(key)
	if item == nil {
		return "", ErrNotFound
	}

	return item.Value(), nil
}

// Set implements Store.
func (m *Memory) Set(key, value string) error {
	m.cache.Set(key, value, ttlcache.DefaultTTL)

	return nil
}

// Remove implements Store.
func (m *Memory) Remove(key string) error {
	m.cache.Delete(key)

	return nil
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	return m.cache.Len()
}

// Close stops the eviction loop.
func (m *Memory) Close() error {
	m.cache.Stop()

	return nil
}
