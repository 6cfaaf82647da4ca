package balancer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

////////////////////////////////////////////////////////////////////////////////

// EventID identifies a diagnostic packet-event class.
type EventID uint32

const (
	// EventTCPNonSynLRUMiss is an established TCP flow missing the
	// affinity cache: a sign of capacity pressure or churn.
	EventTCPNonSynLRUMiss EventID = iota

	// EventPacketTooBig is a packet exceeding the forwarding MTU.
	EventPacketTooBig

	eventClassCount
)

func (e EventID) String() string {
	switch e {
	case EventTCPNonSynLRUMiss:
		return "tcp-nonsyn-lrumiss"
	case EventPacketTooBig:
		return "packet-toobig"
	}
	return fmt.Sprintf("event(%d)", uint32(e))
}

// ParseEventID parses the textual event class name used by tooling.
func ParseEventID(s string) (EventID, error) {
	for e := EventID(0); e < eventClassCount; e++ {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown event class %q", s)
}

// EventIDs lists every known event class.
func EventIDs() []EventID {
	out := make([]EventID, 0, eventClassCount)
	for e := EventID(0); e < eventClassCount; e++ {
		out = append(out, e)
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////

// MonitorEvent is one captured diagnostic packet.
type MonitorEvent struct {
	Event     EventID
	Timestamp time.Time
	Payload   []byte
}

// MonitorStats describe the monitor configuration and activity.
type MonitorStats struct {
	// Limit is the per-class ring capacity in events.
	Limit uint32

	// Amount is the total number of events captured since start,
	// including ones that have since been overwritten.
	Amount uint64

	// SnapLen is the payload cap per captured event, in bytes.
	SnapLen uint32
}

// Monitor owns one bounded ring buffer per diagnostic event class.
// Capture never blocks and never grows the buffers: a full ring
// overwrites its oldest entry. Stop and Start toggle capture without
// touching already buffered events.
type Monitor struct {
	enabled  atomic.Bool
	captured atomic.Uint64

	snaplen int
	rings   [eventClassCount]*eventRing
}

// NewMonitor creates a monitor with the given per-class capacity and
// payload snap length in bytes.
func NewMonitor(limit int, snaplen int) (*Monitor, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("monitor buffer capacity must be positive")
	}
	if snaplen <= 0 {
		return nil, fmt.Errorf("monitor snap length must be positive")
	}

	m := &Monitor{snaplen: snaplen}
	for i := range m.rings {
		m.rings[i] = &eventRing{entries: make([]MonitorEvent, limit)}
	}
	m.enabled.Store(true)
	return m, nil
}

// Capture appends a payload to the event class ring, overwriting the
// oldest entry when full. Payloads longer than the snap length are
// truncated. A disabled monitor drops the event silently.
func (m *Monitor) Capture(event EventID, payload []byte) {
	if m == nil || !m.enabled.Load() {
		return
	}
	if event >= eventClassCount {
		return
	}

	if len(payload) > m.snaplen {
		payload = payload[:m.snaplen]
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)

	m.rings[event].push(MonitorEvent{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   stored,
	})
	m.captured.Add(1)
}

// Drain returns the buffered events of a class, oldest first. It may
// run concurrently with captures; the result is an approximate
// point-in-time snapshot, not an atomic one. Buffered events stay in
// place, matching the export-without-reset semantics of the dataplane.
func (m *Monitor) Drain(event EventID) []MonitorEvent {
	if m == nil || event >= eventClassCount {
		return nil
	}
	return m.rings[event].snapshot()
}

// Stop pauses capture; buffered events are preserved.
func (m *Monitor) Stop() {
	m.enabled.Store(false)
}

// Start resumes capture.
func (m *Monitor) Start() {
	m.enabled.Store(true)
}

// Enabled reports whether capture is active.
func (m *Monitor) Enabled() bool {
	return m != nil && m.enabled.Load()
}

// Stats returns the monitor limits and activity counters.
func (m *Monitor) Stats() MonitorStats {
	if m == nil {
		return MonitorStats{}
	}
	return MonitorStats{
		Limit:   uint32(len(m.rings[0].entries)),
		Amount:  m.captured.Load(),
		SnapLen: uint32(m.snaplen),
	}
}

////////////////////////////////////////////////////////////////////////////////

// eventRing is a fixed-capacity circular buffer with overwrite-oldest
// semantics. The mutex bounds are a handful of assignments, so captures
// complete in bounded time.
type eventRing struct {
	mu      sync.Mutex
	entries []MonitorEvent
	next    int
	count   int
}

func (r *eventRing) push(ev MonitorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = ev
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

func (r *eventRing) snapshot() []MonitorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]MonitorEvent, 0, r.count)
	start := (r.next - r.count + len(r.entries)) % len(r.entries)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
