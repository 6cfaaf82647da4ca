package balancer

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

////////////////////////////////////////////////////////////////////////////////

// Proto is the transport protocol of a VIP (TCP or UDP).
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

// ParseProto parses a textual protocol name.
func ParseProto(s string) (Proto, error) {
	switch s {
	case "tcp", "TCP":
		return ProtoTCP, nil
	case "udp", "UDP":
		return ProtoUDP, nil
	}
	return 0, fmt.Errorf("unknown transport protocol %q", s)
}

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

////////////////////////////////////////////////////////////////////////////////

// VipKey is the exact-match identity of a virtual service.
// It is immutable once inserted into the VIP table.
type VipKey struct {
	// IPv4 or IPv6 address of the VIP, stored normalized (unmapped).
	Addr netip.Addr

	// L4 port of the VIP.
	Port uint16

	// Transport protocol. Two VIPs sharing address and port but
	// differing in protocol are distinct services.
	Proto Proto
}

// NewVipKey parses and normalizes a VIP identity.
func NewVipKey(addr string, port uint16, proto Proto) (VipKey, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return VipKey{}, fmt.Errorf("invalid vip address %q: %w", addr, err)
	}
	return VipKey{Addr: a.Unmap(), Port: port, Proto: proto}, nil
}

func (k VipKey) String() string {
	return fmt.Sprintf("%s:%d/%s", k.Addr, k.Port, k.Proto)
}

////////////////////////////////////////////////////////////////////////////////

// VipFlags describe per-VIP behavior toggles.
type VipFlags struct {
	// QuicVip makes the hasher prefer the QUIC connection id over the
	// transport tuple, so connection migration keeps backend affinity.
	QuicVip bool `yaml:"quic"`

	// SrcRouting enables local/remote classification of the flow source
	// address and, when local-only reals exist, a distinct backend subset.
	SrcRouting bool `yaml:"src_routing"`

	// IcmpTooBig enables accounting and capture of "packet too big"
	// ICMP diagnostics for this VIP.
	IcmpTooBig bool `yaml:"icmp_too_big"`
}

////////////////////////////////////////////////////////////////////////////////

// poolEntry binds a registered real to a VIP with a per-VIP weight.
// Weight zero means the real is drained and takes no new flows.
type poolEntry struct {
	index  uint32
	weight uint32
	local  bool
}

// vipState is the VIP table value: metadata plus the published rings.
//
// The rings are read lock-free on the packet path; everything else is
// guarded by the balancer mutex.
type vipState struct {
	key   VipKey
	num   uint32
	flags VipFlags

	// Ordered backend pool. Order is stable across rebuilds: liveness
	// and weight changes never renumber surviving reals.
	pool []poolEntry

	ring      atomic.Pointer[ring]
	localRing atomic.Pointer[ring]

	// gen is bumped under the balancer lock whenever the pool or flags
	// change; each rebuild carries the generation it was planned at.
	gen uint64

	// rebuildMu orders ring publication: a slow build from an older
	// generation must never overwrite a newer table, and nothing is
	// published once the VIP is retired (its number may be reused).
	rebuildMu    sync.Mutex
	publishedGen uint64
	retired      bool

	// Paired packets/bytes counter handle.
	stats CounterHandle
}

func (vs *vipState) poolEntry(index uint32) *poolEntry {
	for i := range vs.pool {
		if vs.pool[i].index == index {
			return &vs.pool[i]
		}
	}
	return nil
}

func (vs *vipState) removePoolEntry(index uint32) bool {
	for i := range vs.pool {
		if vs.pool[i].index == index {
			vs.pool = append(vs.pool[:i], vs.pool[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot produces the ring build input: the ordered (index, weight,
// schedulable) list. Drained entries (weight zero) are excluded.
// When localOnly is set only local-subset reals are included.
func (vs *vipState) snapshot(reg *realRegistry, localOnly bool) []ringBackend {
	backends := make([]ringBackend, 0, len(vs.pool))
	for _, pe := range vs.pool {
		if pe.weight == 0 {
			continue
		}
		if localOnly && !pe.local {
			continue
		}
		entry := reg.byIndex(pe.index)
		if entry == nil {
			continue
		}
		backends = append(backends, ringBackend{
			Index:       pe.index,
			Weight:      pe.weight,
			Schedulable: entry.state.Schedulable(),
		})
	}
	return backends
}

func (vs *vipState) hasLocalSubset() bool {
	for _, pe := range vs.pool {
		if pe.local && pe.weight != 0 {
			return true
		}
	}
	return false
}
