package balancer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// DefaultRingSize is the default consistent-hash table size. It is a
// prime, independent of the backend count, and matches the size the
// kernel data path is provisioned with.
const DefaultRingSize uint32 = 65537

const ringSlotSeed uint64 = 0x584c425f52494e47 // "XLB_RING"

////////////////////////////////////////////////////////////////////////////////

// ringBackend is one row of the ring build input.
type ringBackend struct {
	Index       uint32
	Weight      uint32
	Schedulable bool
}

// ring is an immutable consistent-hash lookup table mapping a flow hash
// to a real index. It is built fully off to the side and published with
// an atomic pointer swap; readers never observe a partially built table.
//
// Placement is weighted rendezvous hashing: every slot independently
// picks the backend with the highest weight-scaled score for that slot.
// Because each slot's winner depends only on the competing backends
// themselves, removing a backend remaps exactly the slots it owned and
// adding one steals only the slots it now wins.
type ring struct {
	table []uint32
}

// buildRing constructs the lookup table. It is a pure function of the
// ordered (index, weight, schedulable) list: rebuilding from unchanged
// input yields an identical table.
//
// A duplicate index or a zero weight is an invariant violation: the
// build is aborted and the previously published ring must stay in place.
func buildRing(backends []ringBackend, size uint32) (*ring, error) {
	if size == 0 {
		return nil, fmt.Errorf("ring size must be positive")
	}

	seen := make(map[uint32]struct{}, len(backends))
	live := make([]ringBackend, 0, len(backends))
	for _, be := range backends {
		if _, dup := seen[be.Index]; dup {
			return nil, fmt.Errorf("duplicate real index %d in ring input", be.Index)
		}
		seen[be.Index] = struct{}{}
		if be.Weight == 0 {
			return nil, fmt.Errorf("real index %d has zero weight", be.Index)
		}
		if be.Schedulable {
			live = append(live, be)
		}
	}

	// No live backends is a normal state: the ring is empty and every
	// lookup resolves to "no backend".
	if len(live) == 0 {
		return &ring{}, nil
	}

	table := make([]uint32, size)
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], ringSlotSeed)
	for slot := uint32(0); slot < size; slot++ {
		binary.BigEndian.PutUint32(key[8:12], slot)

		bestScore := math.Inf(-1)
		bestIndex := uint32(0)
		for _, be := range live {
			binary.BigEndian.PutUint32(key[12:16], be.Index)
			h := xxhash.Sum64(key[:])

			// Uniform in (0, 1]; the +1 keeps log away from zero.
			u := (float64(h>>11) + 1) / float64(uint64(1)<<53)
			score := float64(be.Weight) / -math.Log(u)

			if score > bestScore || (score == bestScore && be.Index < bestIndex) {
				bestScore = score
				bestIndex = be.Index
			}
		}
		table[slot] = bestIndex
	}
	return &ring{table: table}, nil
}

// Lookup maps a flow hash to a real index. ok is false when the ring
// has no live backends.
func (r *ring) Lookup(hash uint64) (uint32, bool) {
	if r == nil || len(r.table) == 0 {
		return 0, false
	}
	return r.table[hash%uint64(len(r.table))], true
}

// Slots exposes the raw table for mirroring into the dataplane store.
func (r *ring) Slots() []uint32 {
	if r == nil {
		return nil
	}
	return r.table
}
