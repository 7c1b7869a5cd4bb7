package explorer

import (
	"sync"
	"time"
)

// utxoCache is a small in-process TTL cache for per-address UTXO lists.
// Entries expire after the configured TTL; writers overwrite unconditionally
// (last writer wins). The cache is never persisted.
type utxoCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]utxoCacheEntry
}

type utxoCacheEntry struct {
	utxos     []UTXO
	expiresAt time.Time
}

func newUTXOCache(ttl time.Duration) *utxoCache {
	return &utxoCache{
		ttl:     ttl,
		entries: make(map[string]utxoCacheEntry),
	}
}

func cacheKey(address string) string {
	return "utxo:" + address
}

// get returns the cached UTXO list for address, or false when absent or
// expired. Expired entries are pruned on access.
func (c *utxoCache) get(address string) ([]UTXO, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(address)]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, cacheKey(address))
		return nil, false
	}
	return entry.utxos, true
}

// put stores the UTXO list for address with a fresh TTL.
func (c *utxoCache) put(address string, utxos []UTXO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(address)] = utxoCacheEntry{
		utxos:     utxos,
		expiresAt: time.Now().Add(c.ttl),
	}
}
