package balancer

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlow(t *testing.T) {
	flow, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 80, ProtoTCP)
	require.NoError(t, err)
	assert.Equal(t, uint16(80), flow.DstPort)
	assert.Equal(t, "10.200.1.1", flow.Dst.String())
}

func TestParseFlowMalformed(t *testing.T) {
	_, err := ParseFlow("aaaa", "10.200.1.1", 31337, 80, ProtoTCP)
	require.ErrorIs(t, err, ErrInvalidFlow)

	_, err = ParseFlow("192.168.1.1", "not-an-address", 31337, 80, ProtoTCP)
	require.ErrorIs(t, err, ErrInvalidFlow)
}

func TestParseFlowMixedFamilies(t *testing.T) {
	_, err := ParseFlow("192.168.1.1", "fc00:1::1", 31337, 80, ProtoTCP)
	require.ErrorIs(t, err, ErrInvalidFlow)
}

func TestParseFlowNormalizesMapped(t *testing.T) {
	flow, err := ParseFlow("::ffff:192.168.1.1", "::ffff:10.200.1.1", 31337, 80, ProtoTCP)
	require.NoError(t, err)
	assert.True(t, flow.Src.Is4())
	assert.True(t, flow.Dst.Is4())
}

func TestValidateNormalizesMappedAddresses(t *testing.T) {
	// A hand-built key with mapped addresses must behave like the
	// parsed equivalent after validation.
	mapped := FlowKey{
		Src:     netip.MustParseAddr("::ffff:192.168.1.1"),
		Dst:     netip.MustParseAddr("::ffff:10.200.1.1"),
		SrcPort: 31337,
		DstPort: 80,
		Proto:   ProtoTCP,
	}
	require.NoError(t, mapped.Validate())
	assert.True(t, mapped.Src.Is4())
	assert.True(t, mapped.Dst.Is4())

	plain, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 80, ProtoTCP)
	require.NoError(t, err)
	assert.Equal(t, plain.Hash(), mapped.Hash())

	// Mapped source with a plain v4 destination is the same family,
	// not a mixed tuple.
	half := FlowKey{
		Src:   netip.MustParseAddr("::ffff:192.168.1.1"),
		Dst:   netip.MustParseAddr("10.200.1.1"),
		Proto: ProtoTCP,
	}
	require.NoError(t, half.Validate())
}

func TestFlowHashDeterministic(t *testing.T) {
	a, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 80, ProtoTCP)
	require.NoError(t, err)
	b, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 80, ProtoTCP)
	require.NoError(t, err)

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestFlowHashSensitivity(t *testing.T) {
	base, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 80, ProtoTCP)
	require.NoError(t, err)

	variants := []FlowKey{base, base, base, base}
	variants[0].SrcPort = 31338
	variants[1].Proto = ProtoUDP
	variants[2].Src = mustAddr(t, "192.168.1.2")
	variants[3].DstPort = 443

	for i, v := range variants {
		assert.NotEqualf(t, base.Hash(), v.Hash(), "variant %d must hash differently", i)
	}
}

func TestQuicHashIgnoresSourceTuple(t *testing.T) {
	a, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 443, ProtoUDP)
	require.NoError(t, err)
	a.QuicCid = []byte{0xde, 0xad, 0xbe, 0xef}

	// Connection migration: same connection id, new source address and
	// port.
	b, err := ParseFlow("172.16.5.9", "10.200.1.1", 50001, 443, ProtoUDP)
	require.NoError(t, err)
	b.QuicCid = []byte{0xde, 0xad, 0xbe, 0xef}

	assert.Equal(t, a.QuicHash(), b.QuicHash())
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestQuicHashSensitiveToCid(t *testing.T) {
	flow, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 443, ProtoUDP)
	require.NoError(t, err)

	flow.QuicCid = []byte{1, 2, 3}
	first := flow.QuicHash()
	flow.QuicCid = []byte{1, 2, 4}
	assert.NotEqual(t, first, flow.QuicHash())
}

func TestHashDomainsDisjoint(t *testing.T) {
	flow, err := ParseFlow("192.168.1.1", "10.200.1.1", 31337, 443, ProtoUDP)
	require.NoError(t, err)
	flow.QuicCid = []byte{9, 9, 9}

	assert.NotEqual(t, flow.Hash(), flow.QuicHash())
}
