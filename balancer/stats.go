package balancer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

////////////////////////////////////////////////////////////////////////////////

// Stats is a pair of related 64-bit counters, e.g. packets/bytes or
// hits/misses. The pairing mirrors the dataplane counter layout.
type Stats struct {
	V1 uint64
	V2 uint64
}

// LbStats are library-health counters that persist for the process
// lifetime.
type LbStats struct {
	// FailedDataplaneCalls counts rejected dataplane store operations.
	FailedDataplaneCalls uint64

	// AddrValidationFailed counts malformed addresses and tuples.
	AddrValidationFailed uint64
}

// CounterHandle addresses one allocated counter pair.
type CounterHandle uint32

////////////////////////////////////////////////////////////////////////////////

// Counters is the sharded counter store. Writes go to one of N
// independent shards (one shard per processing unit, fixed for that
// unit's lifetime) with no cross-shard coordination; a read sums the
// shards at call time. Aggregated totals are therefore eventually
// consistent across shards, not linearizable: each shard's value is
// monotonic non-decreasing between resets, and readers wanting an exact
// figure must read after a quiescent period.
type Counters struct {
	// shards[s] holds 2*slots values; the pair for handle h lives at
	// [2*h] and [2*h+1]. Slices are sized once at construction so the
	// write path never allocates or locks.
	shards [][]uint64

	slots int

	// Slot allocation is a control-plane operation and is the only
	// mutex-protected part.
	mu        sync.Mutex
	allocated []bool
	free      []CounterHandle
}

// NewCounters creates a counter store with the given shard count and
// capacity in counter pairs.
func NewCounters(shardCount, slots int) (*Counters, error) {
	if shardCount <= 0 {
		return nil, fmt.Errorf("counter shard count must be positive")
	}
	if slots <= 0 {
		return nil, fmt.Errorf("counter slot count must be positive")
	}

	c := &Counters{
		shards:    make([][]uint64, shardCount),
		slots:     slots,
		allocated: make([]bool, slots),
	}
	for i := range c.shards {
		c.shards[i] = make([]uint64, 2*slots)
	}
	return c, nil
}

// ShardCount returns the number of independent writer shards.
func (c *Counters) ShardCount() int {
	return len(c.shards)
}

// Alloc reserves a counter pair.
func (c *Counters) Alloc() (CounterHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.free); n > 0 {
		h := c.free[n-1]
		c.free = c.free[:n-1]
		c.allocated[h] = true
		return h, nil
	}
	for i, used := range c.allocated {
		if !used {
			c.allocated[i] = true
			return CounterHandle(i), nil
		}
	}
	return 0, fmt.Errorf("counter table is full (%d pairs)", c.slots)
}

// Release zeroes the pair on every shard and returns it to the pool.
func (c *Counters) Release(h CounterHandle) {
	if int(h) >= c.slots {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.allocated[h] {
		return
	}
	c.zero(h)
	c.allocated[h] = false
	c.free = append(c.free, h)
}

// Add increments the pair on the given shard. The shard is owned by a
// single writer context; atomics are used so that aggregation reads
// racing with writes stay well defined.
func (c *Counters) Add(shard int, h CounterHandle, v1, v2 uint64) {
	if int(h) >= c.slots {
		return
	}
	if shard < 0 {
		shard = -shard
	}
	vals := c.shards[shard%len(c.shards)]
	if v1 != 0 {
		atomic.AddUint64(&vals[2*h], v1)
	}
	if v2 != 0 {
		atomic.AddUint64(&vals[2*h+1], v2)
	}
}

// Read sums the pair across all shards at call time.
func (c *Counters) Read(h CounterHandle) Stats {
	var out Stats
	if int(h) >= c.slots {
		return out
	}
	for _, vals := range c.shards {
		out.V1 += atomic.LoadUint64(&vals[2*h])
		out.V2 += atomic.LoadUint64(&vals[2*h+1])
	}
	return out
}

// Reset zeroes the pair on every shard without releasing it.
func (c *Counters) Reset(h CounterHandle) {
	if int(h) >= c.slots {
		return
	}
	c.zero(h)
}

func (c *Counters) zero(h CounterHandle) {
	for _, vals := range c.shards {
		atomic.StoreUint64(&vals[2*h], 0)
		atomic.StoreUint64(&vals[2*h+1], 0)
	}
}
