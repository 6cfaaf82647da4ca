package balancer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorCaptureAndDrain(t *testing.T) {
	m, err := NewMonitor(8, 128)
	require.NoError(t, err)

	m.Capture(EventTCPNonSynLRUMiss, []byte("one"))
	m.Capture(EventTCPNonSynLRUMiss, []byte("two"))
	m.Capture(EventPacketTooBig, []byte("big"))

	events := m.Drain(EventTCPNonSynLRUMiss)
	require.Len(t, events, 2)
	assert.Equal(t, []byte("one"), events[0].Payload)
	assert.Equal(t, []byte("two"), events[1].Payload)

	// Classes are isolated.
	events = m.Drain(EventPacketTooBig)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("big"), events[0].Payload)
}

func TestMonitorOverwritesOldest(t *testing.T) {
	m, err := NewMonitor(3, 128)
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c", "d", "e"} {
		m.Capture(EventPacketTooBig, []byte(p))
	}

	events := m.Drain(EventPacketTooBig)
	require.Len(t, events, 3)
	assert.Equal(t, []byte("c"), events[0].Payload)
	assert.Equal(t, []byte("d"), events[1].Payload)
	assert.Equal(t, []byte("e"), events[2].Payload)
}

func TestMonitorDrainKeepsEvents(t *testing.T) {
	m, err := NewMonitor(4, 128)
	require.NoError(t, err)

	m.Capture(EventPacketTooBig, []byte("keep"))
	require.Len(t, m.Drain(EventPacketTooBig), 1)
	require.Len(t, m.Drain(EventPacketTooBig), 1)
}

func TestMonitorTruncatesToSnapLen(t *testing.T) {
	m, err := NewMonitor(4, 4)
	require.NoError(t, err)

	m.Capture(EventPacketTooBig, bytes.Repeat([]byte{0xff}, 100))

	events := m.Drain(EventPacketTooBig)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Payload, 4)
}

func TestMonitorCaptureCopiesPayload(t *testing.T) {
	m, err := NewMonitor(4, 128)
	require.NoError(t, err)

	payload := []byte("original")
	m.Capture(EventPacketTooBig, payload)
	payload[0] = 'X'

	events := m.Drain(EventPacketTooBig)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("original"), events[0].Payload)
}

func TestMonitorStopStart(t *testing.T) {
	m, err := NewMonitor(4, 128)
	require.NoError(t, err)

	m.Capture(EventPacketTooBig, []byte("before"))
	m.Stop()
	assert.False(t, m.Enabled())

	m.Capture(EventPacketTooBig, []byte("dropped"))
	require.Len(t, m.Drain(EventPacketTooBig), 1)

	m.Start()
	m.Capture(EventPacketTooBig, []byte("after"))
	require.Len(t, m.Drain(EventPacketTooBig), 2)
}

func TestMonitorStats(t *testing.T) {
	m, err := NewMonitor(3, 64)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.Capture(EventPacketTooBig, []byte{byte(i)})
	}

	stats := m.Stats()
	assert.Equal(t, uint32(3), stats.Limit)
	assert.Equal(t, uint64(5), stats.Amount)
	assert.Equal(t, uint32(64), stats.SnapLen)
}

func TestParseEventID(t *testing.T) {
	for _, event := range EventIDs() {
		parsed, err := ParseEventID(event.String())
		require.NoError(t, err)
		assert.Equal(t, event, parsed)
	}

	_, err := ParseEventID("no-such-event")
	require.Error(t, err)
}
