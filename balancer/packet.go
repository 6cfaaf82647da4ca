package balancer

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

////////////////////////////////////////////////////////////////////////////////

// quicPort is the UDP port on which QUIC connection ids are extracted.
const quicPort uint16 = 443

// quicMinLongHeader is the minimum length of a QUIC long header up to
// the DCID length byte: flags(1) + version(4) + dcid len(1).
const quicMinLongHeader = 6

// FlowFromPacket decodes a raw ethernet frame into a FlowSample for the
// lookup path. Non-IP and non-TCP/UDP frames, as well as truncated
// headers, yield ErrInvalidFlow.
func FlowFromPacket(data []byte) (FlowSample, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy)

	sample := FlowSample{
		Bytes: uint64(len(data)),
		Raw:   data,
	}
	flow := &sample.Flow

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		flow.Src = addrFrom(ip.SrcIP)
		flow.Dst = addrFrom(ip.DstIP)
	case *layers.IPv6:
		flow.Src = addrFrom(ip.SrcIP)
		flow.Dst = addrFrom(ip.DstIP)
	default:
		return FlowSample{}, fmt.Errorf("%w: not an IP packet", ErrInvalidFlow)
	}

	switch l4 := packet.TransportLayer().(type) {
	case *layers.TCP:
		flow.Proto = ProtoTCP
		flow.SrcPort = uint16(l4.SrcPort)
		flow.DstPort = uint16(l4.DstPort)
		sample.TCPSyn = l4.SYN && !l4.ACK
	case *layers.UDP:
		flow.Proto = ProtoUDP
		flow.SrcPort = uint16(l4.SrcPort)
		flow.DstPort = uint16(l4.DstPort)
		if flow.DstPort == quicPort {
			flow.QuicCid = quicDstConnID(l4.Payload)
		}
	default:
		return FlowSample{}, fmt.Errorf("%w: not a TCP or UDP packet", ErrInvalidFlow)
	}

	if err := flow.Validate(); err != nil {
		return FlowSample{}, err
	}
	return sample, nil
}

func addrFrom(ip []byte) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// quicDstConnID extracts the destination connection id from a QUIC long
// header. Short headers carry a server-chosen id of unknown length, so
// they yield nothing and the flow falls back to tuple hashing.
func quicDstConnID(payload []byte) []byte {
	if len(payload) < quicMinLongHeader {
		return nil
	}
	// Long header form bit plus the fixed bit.
	if payload[0]&0xc0 != 0xc0 {
		return nil
	}
	cidLen := int(payload[5])
	if cidLen == 0 || len(payload) < quicMinLongHeader+cidLen {
		return nil
	}
	cid := make([]byte, cidLen)
	copy(cid, payload[quicMinLongHeader:quicMinLongHeader+cidLen])
	return cid
}
