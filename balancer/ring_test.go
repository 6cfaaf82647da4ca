package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackends(weights ...uint32) []ringBackend {
	out := make([]ringBackend, 0, len(weights))
	for i, w := range weights {
		out = append(out, ringBackend{
			Index:       uint32(i),
			Weight:      w,
			Schedulable: true,
		})
	}
	return out
}

func slotOwners(r *ring) map[uint32][]uint32 {
	owners := make(map[uint32][]uint32)
	for slot, index := range r.Slots() {
		owners[index] = append(owners[index], uint32(slot))
	}
	return owners
}

func TestRingBuildDeterministic(t *testing.T) {
	backends := testBackends(10, 20, 30)

	a, err := buildRing(backends, 4099)
	require.NoError(t, err)
	b, err := buildRing(backends, 4099)
	require.NoError(t, err)

	require.Equal(t, a.Slots(), b.Slots())
}

func TestRingBuildOrderIndependent(t *testing.T) {
	forward := testBackends(10, 20, 30)
	reversed := []ringBackend{forward[2], forward[0], forward[1]}

	a, err := buildRing(forward, 4099)
	require.NoError(t, err)
	b, err := buildRing(reversed, 4099)
	require.NoError(t, err)

	// Slot ownership depends only on the competing set, not on the
	// order the pool lists it in.
	require.Equal(t, a.Slots(), b.Slots())
}

func TestRingEmpty(t *testing.T) {
	r, err := buildRing(nil, 4099)
	require.NoError(t, err)

	_, ok := r.Lookup(12345)
	assert.False(t, ok)
	assert.Empty(t, r.Slots())
}

func TestRingNoSchedulableBackends(t *testing.T) {
	backends := testBackends(10, 20)
	for i := range backends {
		backends[i].Schedulable = false
	}

	r, err := buildRing(backends, 4099)
	require.NoError(t, err)

	_, ok := r.Lookup(777)
	assert.False(t, ok)
}

func TestRingDuplicateIndexRejected(t *testing.T) {
	backends := []ringBackend{
		{Index: 3, Weight: 1, Schedulable: true},
		{Index: 3, Weight: 2, Schedulable: true},
	}

	_, err := buildRing(backends, 4099)
	require.Error(t, err)
}

func TestRingZeroWeightRejected(t *testing.T) {
	backends := []ringBackend{
		{Index: 0, Weight: 1, Schedulable: true},
		{Index: 1, Weight: 0, Schedulable: true},
	}

	_, err := buildRing(backends, 4099)
	require.Error(t, err)
}

func TestRingZeroSizeRejected(t *testing.T) {
	_, err := buildRing(testBackends(1), 0)
	require.Error(t, err)
}

func TestRingWeightProportionality(t *testing.T) {
	const size = 65537
	backends := testBackends(10, 20, 40)

	r, err := buildRing(backends, size)
	require.NoError(t, err)

	owners := slotOwners(r)
	total := float64(10 + 20 + 40)
	for _, be := range backends {
		got := float64(len(owners[be.Index])) / size
		want := float64(be.Weight) / total
		assert.InDeltaf(t, want, got, 0.02,
			"backend %d owns %.4f of the ring, want ~%.4f", be.Index, got, want)
	}
}

func TestRingMinimalDisruptionOnRemoval(t *testing.T) {
	const size = 4099
	backends := testBackends(10, 20, 30, 40)

	before, err := buildRing(backends, size)
	require.NoError(t, err)

	// Mark one backend dead; every slot not owned by it must keep its
	// assignment.
	removed := uint32(2)
	after := make([]ringBackend, len(backends))
	copy(after, backends)
	after[removed].Schedulable = false

	rebuilt, err := buildRing(after, size)
	require.NoError(t, err)

	moved := 0
	for slot, owner := range before.Slots() {
		if owner == removed {
			assert.NotEqual(t, removed, rebuilt.Slots()[slot])
			continue
		}
		if rebuilt.Slots()[slot] != owner {
			moved++
		}
	}
	assert.Zero(t, moved, "slots of surviving backends must not move")
}

func TestRingMinimalDisruptionOnAddition(t *testing.T) {
	const size = 4099
	backends := testBackends(10, 20, 30)

	before, err := buildRing(backends, size)
	require.NoError(t, err)

	added := uint32(len(backends))
	grown := append(append([]ringBackend{}, backends...), ringBackend{
		Index:       added,
		Weight:      25,
		Schedulable: true,
	})

	rebuilt, err := buildRing(grown, size)
	require.NoError(t, err)

	// Every slot either keeps its owner or goes to the newcomer.
	for slot, owner := range rebuilt.Slots() {
		if owner != added {
			assert.Equal(t, before.Slots()[slot], owner, "slot %d", slot)
		}
	}
}

func TestRingLookupInRange(t *testing.T) {
	r, err := buildRing(testBackends(1, 1, 1), 101)
	require.NoError(t, err)

	for hash := uint64(0); hash < 1000; hash += 13 {
		index, ok := r.Lookup(hash)
		require.True(t, ok)
		assert.Less(t, index, uint32(3))
	}
}
