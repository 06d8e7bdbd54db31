package bus

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/anythingai/intendly/types"
)

// cacheTTL bounds how long any intent stays cached regardless of its own
// deadline. The cache is advisory: a miss falls through to the store.
const cacheTTL = time.Hour

// IntentCache is a short-TTL cache of hot intents keyed by hash. Entries
// expire at the intent's deadline or the cache TTL, whichever is earlier.
type IntentCache struct {
	lru *expirable.LRU[common.Hash, *types.Intent]
}

// NewIntentCache creates a cache holding up to maxEntries intents.
func NewIntentCache(maxEntries int) *IntentCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &IntentCache{
		lru: expirable.NewLRU[common.Hash, *types.Intent](maxEntries, nil, cacheTTL),
	}
}

// Get returns a copy of the cached intent, treating entries past their
// deadline as absent. Callers may mutate the result freely.
func (c *IntentCache) Get(hash common.Hash) (*types.Intent, bool) {
	in, ok := c.lru.Get(hash)
	if !ok {
		return nil, false
	}
	if in.Expired(time.Now()) {
		c.lru.Remove(hash)
		return nil, false
	}
	return in.Clone(), true
}

// Put stores a copy of the intent, detached from the caller's pointer.
// Already-expired intents are not cached.
func (c *IntentCache) Put(in *types.Intent) {
	if in == nil || in.Expired(time.Now()) {
		return
	}
	c.lru.Add(in.Hash, in.Clone())
}

// Evict removes an intent from the cache.
func (c *IntentCache) Evict(hash common.Hash) {
	c.lru.Remove(hash)
}

// Len reports the number of cached entries (diagnostics).
func (c *IntentCache) Len() int {
	return c.lru.Len()
}
