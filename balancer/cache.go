package balancer

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

////////////////////////////////////////////////////////////////////////////////

// cacheOutcome classifies a single affinity lookup. Exactly one outcome
// is produced per lookup, so primary and fallback hit counters are
// mutually exclusive.
type cacheOutcome uint8

const (
	cacheMiss cacheOutcome = iota
	cachePrimaryHit
	cacheFallbackHit
)

// AffinityCache memoizes flow hash -> real index assignments so ring
// lookups are not repeated for every packet of a flow and unrelated
// ring rebuilds do not move established flows.
//
// The primary structure is sharded, one bounded LRU per processing
// unit. A single shared fallback LRU takes the overflow: whenever an
// insert lands on a shard already at capacity, the entry is mirrored
// into the fallback so it survives the primary eviction that the insert
// is about to force. Fallback hits are reported separately, letting
// operators tell capacity pressure apart from ordinary misses.
type AffinityCache struct {
	shards   []*lru.Cache[uint64, uint32]
	shardCap int
	fallback *lru.Cache[uint64, uint32]

	// promote controls whether a fallback hit is re-inserted into the
	// primary shard. Policy knob, see Config.PromoteFallbackHits.
	promote bool
}

// NewAffinityCache builds the cache with the given shard count and
// per-shard/fallback capacities.
func NewAffinityCache(shards, shardCap, fallbackCap int, promote bool) (*AffinityCache, error) {
	if shards <= 0 {
		return nil, fmt.Errorf("affinity cache needs at least one shard")
	}
	if shardCap <= 0 || fallbackCap <= 0 {
		return nil, fmt.Errorf("affinity cache capacities must be positive")
	}

	c := &AffinityCache{
		shards:   make([]*lru.Cache[uint64, uint32], shards),
		shardCap: shardCap,
		promote:  promote,
	}
	for i := range c.shards {
		shard, err := lru.New[uint64, uint32](shardCap)
		if err != nil {
			return nil, fmt.Errorf("failed to create affinity shard: %w", err)
		}
		c.shards[i] = shard
	}

	fallback, err := lru.New[uint64, uint32](fallbackCap)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback cache: %w", err)
	}
	c.fallback = fallback
	return c, nil
}

func (c *AffinityCache) shard(i int) *lru.Cache[uint64, uint32] {
	if i < 0 {
		i = -i
	}
	return c.shards[i%len(c.shards)]
}

// Lookup consults the primary shard first and the shared fallback
// second. The caller is responsible for the liveness check of the
// returned index; a hit on a dead backend must be treated as a miss and
// removed via Remove.
func (c *AffinityCache) Lookup(shard int, hash uint64) (uint32, cacheOutcome) {
	primary := c.shard(shard)
	if index, ok := primary.Get(hash); ok {
		return index, cachePrimaryHit
	}
	if index, ok := c.fallback.Get(hash); ok {
		if c.promote {
			primary.Add(hash, index)
		}
		return index, cacheFallbackHit
	}
	return 0, cacheMiss
}

// Insert records an assignment. When the shard is already full the
// entry is mirrored into the shared fallback before the LRU eviction
// runs. Concurrent inserts for the same hash are last-writer-wins; both
// writers computed the same backend via the ring, so the race is benign.
func (c *AffinityCache) Insert(shard int, hash uint64, index uint32) {
	primary := c.shard(shard)
	if primary.Len() >= c.shardCap {
		c.fallback.Add(hash, index)
	}
	primary.Add(hash, index)
}

// Remove evicts a stale entry from the shard and the fallback.
func (c *AffinityCache) Remove(shard int, hash uint64) {
	c.shard(shard).Remove(hash)
	c.fallback.Remove(hash)
}

// Purge drops every cached assignment. Used on teardown.
func (c *AffinityCache) Purge() {
	for _, shard := range c.shards {
		shard.Purge()
	}
	c.fallback.Purge()
}

// ShardCount returns the number of primary shards.
func (c *AffinityCache) ShardCount() int {
	return len(c.shards)
}
