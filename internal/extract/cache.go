package extract

import (
	"sync"

	"github.com/spigell/eor-quoter/internal/utils"
)

// Cache keeps benefit maps keyed by provider and document hash. A nil Cache is a no-op.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*BenefitMap
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*BenefitMap)}
}

func cacheKey(provider string, raw []byte) string {
	return provider + ":" + utils.Fingerprint([]byte(provider), raw)
}

// Get returns a copy of the cached map.
func (c *Cache) Get(provider string, raw []byte) (*BenefitMap, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.entries[cacheKey(provider, raw)]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

func (c *Cache) Put(provider string, raw []byte, b *BenefitMap) {
	if c == nil || b == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(provider, raw)] = b.clone()
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
