package balancer

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// Hash seeds keep the tuple and QUIC hash domains disjoint. They are
// part of the selection algorithm: changing them remaps every flow.
const (
	hashSeedTuple uint64 = 0x584c425f54504c31 // "XLB_TPL1"
	hashSeedQuic  uint64 = 0x584c425f51434944 // "XLB_QCID"
)

////////////////////////////////////////////////////////////////////////////////

// FlowKey is the canonical identity of a flow. It is a plain value;
// derive one per packet or per test case.
type FlowKey struct {
	Src netip.Addr
	Dst netip.Addr

	SrcPort uint16
	DstPort uint16

	Proto Proto

	// QuicCid is the QUIC connection id, when one was extracted from the
	// packet. It is consulted only for QUIC-aware VIPs.
	QuicCid []byte
}

// ParseFlow builds a normalized FlowKey from textual addresses.
// Malformed input yields ErrInvalidFlow, never a panic.
func ParseFlow(src, dst string, srcPort, dstPort uint16, proto Proto) (FlowKey, error) {
	srcAddr, err := netip.ParseAddr(src)
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: bad source address %q", ErrInvalidFlow, src)
	}
	dstAddr, err := netip.ParseAddr(dst)
	if err != nil {
		return FlowKey{}, fmt.Errorf("%w: bad destination address %q", ErrInvalidFlow, dst)
	}

	flow := FlowKey{
		Src:     srcAddr.Unmap(),
		Dst:     dstAddr.Unmap(),
		SrcPort: srcPort,
		DstPort: dstPort,
		Proto:   proto,
	}
	if err := flow.Validate(); err != nil {
		return FlowKey{}, err
	}
	return flow, nil
}

// Validate checks that the tuple is well formed: both addresses present
// and of the same family. IPv4-mapped addresses are normalized to their
// IPv4 form, so a hand-built key behaves identically to a parsed one.
func (f *FlowKey) Validate() error {
	if !f.Src.IsValid() || !f.Dst.IsValid() {
		return fmt.Errorf("%w: missing address", ErrInvalidFlow)
	}
	f.Src = f.Src.Unmap()
	f.Dst = f.Dst.Unmap()
	if f.Src.Is4() != f.Dst.Is4() {
		return fmt.Errorf("%w: mixed address families", ErrInvalidFlow)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// Hash returns the 5-tuple flow hash. Identical input always yields the
// identical hash, independent of call order or cache state.
func (f *FlowKey) Hash() uint64 {
	var buf [45]byte
	binary.BigEndian.PutUint64(buf[0:8], hashSeedTuple)
	src := f.Src.As16()
	dst := f.Dst.As16()
	copy(buf[8:24], src[:])
	copy(buf[24:40], dst[:])
	binary.BigEndian.PutUint16(buf[40:42], f.SrcPort)
	binary.BigEndian.PutUint16(buf[42:44], f.DstPort)
	buf[44] = uint8(f.Proto)
	return xxhash.Sum64(buf[:])
}

// QuicHash returns the hash keyed by the QUIC connection id and the
// service identity, ignoring the source tuple entirely. Connection
// migration across source addresses or ports therefore keeps the
// backend selection stable.
func (f *FlowKey) QuicHash() uint64 {
	d := xxhash.New()

	var hdr [27]byte
	binary.BigEndian.PutUint64(hdr[0:8], hashSeedQuic)
	dst := f.Dst.As16()
	copy(hdr[8:24], dst[:])
	binary.BigEndian.PutUint16(hdr[24:26], f.DstPort)
	hdr[26] = uint8(f.Proto)

	_, _ = d.Write(hdr[:])
	_, _ = d.Write(f.QuicCid)
	return d.Sum64()
}
