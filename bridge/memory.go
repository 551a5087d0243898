package bridge

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// memoryKV is the process-local stand-in for the bus's ephemeral store. Same
// TTL semantics, zero durability, zero visibility to other instances. Good
// enough for single-instance deployments and bus outages.
type memoryKV struct {
	cache *ttlcache.Cache[string, []byte]
}

func newMemoryKV() *memoryKV {
	c := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &memoryKV{cache: c}
}

func (m *memoryKV) Set(key string, value []byte, ttl time.Duration) {
	m.cache.Set(key, value, ttl)
}

func (m *memoryKV) Get(key string) ([]byte, bool) {
	item := m.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (m *memoryKV) Teardown() {
	m.cache.Stop()
}
