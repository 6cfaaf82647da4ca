package balancer

import (
	"encoding/binary"
	"fmt"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////

// Names of the dataplane maps mirrored by this control plane. The byte
// layout of entries is a collaborator detail; the mirror only owns the
// logical content.
const (
	MapVips    = "vip_map"
	MapChRings = "ch_rings"
	MapReals   = "reals"
)

// ProgramHandle is the opaque token identifying a loaded dataplane
// program. The control plane routes map operations by it and never
// interprets it.
type ProgramHandle uint64

// MapStore is the abstract key-value boundary to the kernel-resident
// tables. The in-process ring and caches are the user-space mirror of
// whatever selection state sits behind this interface.
type MapStore interface {
	Update(prog ProgramHandle, mapName string, key, value []byte) error
	Lookup(prog ProgramHandle, mapName string, key []byte) ([]byte, error)
	Delete(prog ProgramHandle, mapName string, key []byte) error
	Iterate(prog ProgramHandle, mapName string, fn func(key, value []byte) bool) error
	Size(prog ProgramHandle, mapName string) (int, error)
}

////////////////////////////////////////////////////////////////////////////////

// MemoryMapStore is the in-memory MapStore used for tests and
// simulation runs without a loaded dataplane.
type MemoryMapStore struct {
	mu   sync.RWMutex
	maps map[string]map[string][]byte
}

func NewMemoryMapStore() *MemoryMapStore {
	return &MemoryMapStore{maps: make(map[string]map[string][]byte)}
}

func (s *MemoryMapStore) Update(_ ProgramHandle, mapName string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.maps[mapName]
	if m == nil {
		m = make(map[string][]byte)
		s.maps[mapName] = m
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m[string(key)] = stored
	return nil
}

func (s *MemoryMapStore) Lookup(_ ProgramHandle, mapName string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.maps[mapName][string(key)]
	if !ok {
		return nil, fmt.Errorf("no entry for key in map %q", mapName)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryMapStore) Delete(_ ProgramHandle, mapName string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.maps[mapName], string(key))
	return nil
}

func (s *MemoryMapStore) Iterate(_ ProgramHandle, mapName string, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, v := range s.maps[mapName] {
		if !fn([]byte(k), v) {
			break
		}
	}
	return nil
}

func (s *MemoryMapStore) Size(_ ProgramHandle, mapName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.maps[mapName]), nil
}

////////////////////////////////////////////////////////////////////////////////

// Logical encodings of mirrored entries.

func encodeVipKey(key VipKey) []byte {
	buf := make([]byte, 19)
	addr := key.Addr.As16()
	copy(buf[0:16], addr[:])
	binary.BigEndian.PutUint16(buf[16:18], key.Port)
	buf[18] = uint8(key.Proto)
	return buf
}

func encodeVipMeta(num uint32, flags VipFlags) []byte {
	var fl uint32
	if flags.QuicVip {
		fl |= 1 << 0
	}
	if flags.SrcRouting {
		fl |= 1 << 1
	}
	if flags.IcmpTooBig {
		fl |= 1 << 2
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], num)
	binary.BigEndian.PutUint32(buf[4:8], fl)
	return buf
}

func encodeRingSlotKey(vipNum, slot uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], vipNum)
	binary.BigEndian.PutUint32(buf[4:8], slot)
	return buf
}

func encodeRealIndex(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}
