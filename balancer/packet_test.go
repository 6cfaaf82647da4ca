package balancer

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))
	return buf.Bytes()
}

func testEthernet(ethType layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: ethType,
	}
}

func TestFlowFromPacketTCPv4(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("192.168.1.1"),
		DstIP:    net.ParseIP("10.200.1.1"),
	}
	tcp := &layers.TCP{
		SrcPort: 31337,
		DstPort: 80,
		SYN:     true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	data := serialize(t, testEthernet(layers.EthernetTypeIPv4), ip, tcp)

	sample, err := FlowFromPacket(data)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", sample.Flow.Src.String())
	assert.Equal(t, "10.200.1.1", sample.Flow.Dst.String())
	assert.Equal(t, uint16(31337), sample.Flow.SrcPort)
	assert.Equal(t, uint16(80), sample.Flow.DstPort)
	assert.Equal(t, ProtoTCP, sample.Flow.Proto)
	assert.True(t, sample.TCPSyn)
	assert.Equal(t, uint64(len(data)), sample.Bytes)
	assert.Equal(t, data, sample.Raw)
}

func TestFlowFromPacketSynAckIsNotSyn(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.200.1.1"),
		DstIP:    net.ParseIP("192.168.1.1"),
	}
	tcp := &layers.TCP{SrcPort: 80, DstPort: 31337, SYN: true, ACK: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	sample, err := FlowFromPacket(serialize(t, testEthernet(layers.EthernetTypeIPv4), ip, tcp))
	require.NoError(t, err)
	assert.False(t, sample.TCPSyn)
}

func TestFlowFromPacketUDPv6(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fc00:2::1"),
		DstIP:      net.ParseIP("fc00:1::1"),
	}
	udp := &layers.UDP{SrcPort: 31337, DstPort: 80}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	sample, err := FlowFromPacket(serialize(t, testEthernet(layers.EthernetTypeIPv6), ip, udp))
	require.NoError(t, err)

	assert.Equal(t, "fc00:2::1", sample.Flow.Src.String())
	assert.Equal(t, "fc00:1::1", sample.Flow.Dst.String())
	assert.Equal(t, ProtoUDP, sample.Flow.Proto)
	assert.Empty(t, sample.Flow.QuicCid, "cid extraction is limited to port 443")
}

func TestFlowFromPacketQuicLongHeader(t *testing.T) {
	cid := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	payload := append([]byte{
		0xc3, // long header, fixed bit
		0, 0, 0, 1, // version
		byte(len(cid)), // dcid length
	}, cid...)

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("192.168.1.1"),
		DstIP:    net.ParseIP("10.200.1.1"),
	}
	udp := &layers.UDP{SrcPort: 31337, DstPort: 443}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	data := serialize(t, testEthernet(layers.EthernetTypeIPv4), ip, udp,
		gopacket.Payload(payload))

	sample, err := FlowFromPacket(data)
	require.NoError(t, err)
	assert.Equal(t, cid, sample.Flow.QuicCid)
}

func TestFlowFromPacketQuicShortHeaderIgnored(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("192.168.1.1"),
		DstIP:    net.ParseIP("10.200.1.1"),
	}
	udp := &layers.UDP{SrcPort: 31337, DstPort: 443}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	// Short header: form bit clear. No extractable dcid.
	data := serialize(t, testEthernet(layers.EthernetTypeIPv4), ip, udp,
		gopacket.Payload([]byte{0x43, 1, 2, 3, 4, 5, 6, 7}))

	sample, err := FlowFromPacket(data)
	require.NoError(t, err)
	assert.Empty(t, sample.Flow.QuicCid)
}

func TestFlowFromPacketNonIPRejected(t *testing.T) {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{192, 168, 1, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 2},
	}

	_, err := FlowFromPacket(serialize(t, testEthernet(layers.EthernetTypeARP), arp))
	require.ErrorIs(t, err, ErrInvalidFlow)
}

func TestFlowFromPacketNonTransportRejected(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP("192.168.1.1"),
		DstIP:    net.ParseIP("10.200.1.1"),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
	}

	_, err := FlowFromPacket(serialize(t, testEthernet(layers.EthernetTypeIPv4), ip, icmp))
	require.ErrorIs(t, err, ErrInvalidFlow)
}

func TestFlowFromPacketGarbageRejected(t *testing.T) {
	_, err := FlowFromPacket([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidFlow)
}

func TestFlowFromPacketLookupEndToEnd(t *testing.T) {
	lb := newTestBalancer(t)
	key := mustVip(t, "10.200.1.1", 80, ProtoTCP)
	require.NoError(t, lb.AddVip(key, VipFlags{}))
	addBackend(t, lb, key, "10.0.0.2", RealOptions{Weight: 1})

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("192.168.1.1"),
		DstIP:    net.ParseIP("10.200.1.1"),
	}
	tcp := &layers.TCP{SrcPort: 31337, DstPort: 80, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	sample, err := FlowFromPacket(serialize(t, testEthernet(layers.EthernetTypeIPv4), ip, tcp))
	require.NoError(t, err)

	addr, err := lb.Lookup(0, sample)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", addr.String())
}
