package balancer

import (
	"fmt"
	"net/netip"
	"time"
)

////////////////////////////////////////////////////////////////////////////////

// RealState is the health state machine of a real:
// Unknown -> Live <-> Dead.
type RealState uint8

const (
	RealStateUnknown RealState = iota
	RealStateLive
	RealStateDead
)

func (s RealState) String() string {
	switch s {
	case RealStateUnknown:
		return "unknown"
	case RealStateLive:
		return "live"
	case RealStateDead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Schedulable reports whether a real in this state may take new flows.
// A real that was never probed is schedulable: only an explicit Dead
// transition excludes it.
func (s RealState) Schedulable() bool {
	return s != RealStateDead
}

////////////////////////////////////////////////////////////////////////////////

// Real is the externally visible view of a backend within a VIP pool.
type Real struct {
	Addr   netip.Addr
	Index  uint32
	Weight uint32
	Local  bool
	State  RealState
}

// realEntry is the registry record of a backend server. A single entry
// is shared by reference across every VIP pool that includes the
// address; its index stays stable for as long as any pool references it,
// plus a grace period for in-flight affinity entries.
type realEntry struct {
	addr  netip.Addr
	index uint32
	state RealState

	// Number of VIP pools referencing this real.
	refs int

	// Paired packets/bytes counter handle.
	stats CounterHandle
}

type releasedIndex struct {
	index uint32
	at    time.Time
}

////////////////////////////////////////////////////////////////////////////////

// realRegistry owns the global real set and the stable index space.
// All methods are called with the balancer mutex held.
type realRegistry struct {
	byAddrMap  map[netip.Addr]*realEntry
	byIndexMap map[uint32]*realEntry

	nextIndex uint32
	maxReals  int

	// Indices released from all pools; reusable after the grace period.
	graveyard []releasedIndex
	grace     time.Duration

	counters *Counters
}

func newRealRegistry(maxReals int, grace time.Duration, counters *Counters) *realRegistry {
	return &realRegistry{
		byAddrMap:  make(map[netip.Addr]*realEntry),
		byIndexMap: make(map[uint32]*realEntry),
		maxReals:   maxReals,
		grace:      grace,
		counters:   counters,
	}
}

func (r *realRegistry) byAddr(addr netip.Addr) *realEntry {
	return r.byAddrMap[addr.Unmap()]
}

func (r *realRegistry) byIndex(index uint32) *realEntry {
	return r.byIndexMap[index]
}

// acquire returns the registry entry for addr, creating it with a fresh
// stable index when the address is not yet known. Every call adds one
// pool reference; release undoes it.
func (r *realRegistry) acquire(addr netip.Addr, now time.Time) (*realEntry, error) {
	addr = addr.Unmap()
	if entry := r.byAddrMap[addr]; entry != nil {
		entry.refs++
		return entry, nil
	}

	index, ok := r.allocIndex(now)
	if !ok {
		return nil, fmt.Errorf("real table is full (%d entries)", r.maxReals)
	}

	stats, err := r.counters.Alloc()
	if err != nil {
		r.graveyard = append(r.graveyard, releasedIndex{index: index, at: now.Add(-r.grace)})
		return nil, fmt.Errorf("failed to allocate real counters: %w", err)
	}

	entry := &realEntry{
		addr:  addr,
		index: index,
		state: RealStateUnknown,
		refs:  1,
		stats: stats,
	}
	r.byAddrMap[addr] = entry
	r.byIndexMap[index] = entry
	return entry, nil
}

// release drops one pool reference. When the last reference is gone the
// entry is removed and its index parked in the graveyard until the grace
// period expires, so stale affinity entries cannot resolve to a reused
// index.
func (r *realRegistry) release(entry *realEntry, now time.Time) {
	entry.refs--
	if entry.refs > 0 {
		return
	}

	delete(r.byAddrMap, entry.addr)
	delete(r.byIndexMap, entry.index)
	r.counters.Release(entry.stats)
	r.graveyard = append(r.graveyard, releasedIndex{index: entry.index, at: now})
}

// setState applies a liveness transition and reports whether the
// schedulability of the real actually changed.
func (r *realRegistry) setState(addr netip.Addr, live bool) (*realEntry, bool) {
	entry := r.byAddrMap[addr.Unmap()]
	if entry == nil {
		return nil, false
	}

	next := RealStateDead
	if live {
		next = RealStateLive
	}
	if entry.state == next {
		return entry, false
	}

	changed := entry.state.Schedulable() != next.Schedulable()
	entry.state = next
	return entry, changed
}

func (r *realRegistry) allocIndex(now time.Time) (uint32, bool) {
	for i, rel := range r.graveyard {
		if now.Sub(rel.at) >= r.grace {
			r.graveyard = append(r.graveyard[:i], r.graveyard[i+1:]...)
			return rel.index, true
		}
	}
	if int(r.nextIndex) >= r.maxReals {
		return 0, false
	}
	index := r.nextIndex
	r.nextIndex++
	return index, true
}
