// Package metrics is a minimal, concurrency-safe counter registry for the
// signaling gateway. Counters are exposed in Prometheus' text format by
// PrometheusHandler.
package metrics

import "sync"

// Counter names used across the gateway.
const (
	RoomJoins          = "room_joins"
	RoomLeaves         = "room_leaves"
	RelayForwarded     = "relay_forwarded"
	RelayMiss          = "relay_miss"
	PresenceUpdates    = "presence_updates"
	ProtocolError      = "protocol_error"
	AuthFailure        = "auth_failure"
	RateLimited        = "rate_limited"
	SlowConsumerDrop   = "slow_consumer_drop"
	PersistenceFailure = "persistence_failure"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
