package metrics

import "sync"

// Counter names incremented by the signaling session and its transports.
const (
	CounterSocketConnects   = "socket_connects"
	CounterSocketReconnects = "socket_reconnects"
	CounterResumeFailures   = "resume_failures"
	CounterFramesReceived   = "frames_received"
	CounterMessagesSent     = "messages_sent"
	CounterBatchesSent      = "batches_sent"
	CounterPingFailures     = "ping_failures"
	CounterPullFailures     = "pull_failures"
	CounterRoomsSynced      = "rooms_synced"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Applications embedding the signaling client are expected to plug into their
// own metrics backend; this type exists to keep transport behavior observable
// and testable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
