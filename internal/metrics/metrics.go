package metrics

import "sync"

// Event names counted across the signaling hub and the recording pipeline.
const (
	SignalingConnections    = "signaling_connections"
	SignalingAuthFailures   = "signaling_auth_failures"
	SignalingRoomNotFound   = "signaling_room_not_found"
	SignalingRateLimited    = "signaling_rate_limited"
	SignalingMalformed      = "signaling_malformed_messages"
	SignalingDroppedPeers   = "signaling_dropped_recipients"
	SignalingUndeliverable  = "signaling_undeliverable_signals"
	SignalingPresenceErrors = "signaling_presence_store_errors"

	RecordingStarted      = "recording_started"
	RecordingCompleted    = "recording_completed"
	RecordingFailed       = "recording_failed"
	RecordingUploadFailed = "recording_upload_failed"
	RecordingPanics       = "recording_runloop_panics"
)

// Metrics is a concurrency-safe counter registry exported by
// PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

// Inc is safe on a nil receiver so components can run without metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
