package signaling

import (
	"log/slog"
	"sync"

	"github.com/hackrtc/roomrelay/internal/metrics"
)

// Hub is the registry of open signaling connections, keyed by room.
//
// Lock order is Hub.mu then room.mu. Fan-out holds only the room lock, so
// rooms never wait on each other.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu     sync.Mutex
	conns  []*Conn
	closed bool
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		log:     logger,
		metrics: m,
		rooms:   make(map[string]*room),
	}
}

// Connect registers c in the room, queues welcome and the peers snapshot
// for it, and returns that snapshot. Both frames are queued under the room
// lock, so they reach c ahead of any broadcast. Recording agents are never
// listed. Registering the same connection id twice is a no-op.
func (h *Hub) Connect(roomID string, c *Conn) []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[roomID]
	if r == nil {
		r = &room{}
		h.rooms[roomID] = r
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]PeerInfo, 0, len(r.conns))
	present := false
	for _, other := range r.conns {
		if other.ID == c.ID {
			present = true
			continue
		}
		if other.IsRecordingAgent() {
			continue
		}
		peers = append(peers, other.PeerInfo())
	}
	if present {
		return peers
	}
	r.conns = append(r.conns, c)
	if err := c.Send(Welcome{ConnID: c.ID}); err != nil {
		h.log.Warn("queue welcome failed", "room", roomID, "conn_id", c.ID, "err", err)
	}
	if err := c.Send(Peers{Items: peers}); err != nil {
		h.log.Warn("queue peers failed", "room", roomID, "conn_id", c.ID, "err", err)
	}
	return peers
}

// Disconnect removes c from the room and drops the room once it is empty.
// It reports whether c was registered.
func (h *Hub) Disconnect(roomID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[roomID]
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for i, other := range r.conns {
		if other == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			removed = true
			break
		}
	}
	if len(r.conns) == 0 {
		r.closed = true
		delete(h.rooms, roomID)
	}
	return removed
}

// Broadcast delivers m to every connection in the room except skip and
// returns the number of connections it was queued for. Recipients whose
// queue rejects the frame are closed and removed; the rest still receive it.
func (h *Hub) Broadcast(roomID string, m Message, skip *Conn) int {
	frame, err := Encode(m)
	if err != nil {
		h.log.Error("broadcast encode failed", "room", roomID, "type", m.Type(), "err", err)
		return 0
	}

	r := h.room(roomID)
	if r == nil {
		return 0
	}

	var dead []*Conn
	delivered := 0

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	for _, c := range r.conns {
		if c == skip {
			continue
		}
		if err := c.enqueue(frame); err != nil {
			dead = append(dead, c)
			continue
		}
		delivered++
	}
	r.mu.Unlock()

	for _, c := range dead {
		h.drop(roomID, c)
	}
	return delivered
}

// SendTo delivers m to a single connection. Unknown ids are dropped and
// reported as false.
func (h *Hub) SendTo(roomID, connID string, m Message) bool {
	r := h.room(roomID)
	if r == nil {
		return false
	}

	var target *Conn
	r.mu.Lock()
	if !r.closed {
		for _, c := range r.conns {
			if c.ID == connID {
				target = c
				break
			}
		}
	}
	r.mu.Unlock()
	if target == nil {
		return false
	}

	if err := target.Send(m); err != nil {
		h.drop(roomID, target)
		return false
	}
	return true
}

// Conns returns a snapshot of the room's connections in join order,
// recording agents included.
func (h *Hub) Conns(roomID string) []*Conn {
	r := h.room(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Conn(nil), r.conns...)
}

// RoomCount returns the number of rooms with at least one connection.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// CloseAll closes every connection. The server's pumps notice and
// disconnect them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		r.mu.Lock()
		for _, c := range r.conns {
			c.Close()
		}
		r.mu.Unlock()
	}
}

func (h *Hub) room(roomID string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

func (h *Hub) drop(roomID string, c *Conn) {
	c.Close()
	if h.Disconnect(roomID, c) {
		h.metrics.Inc(metrics.SignalingDroppedPeers)
		h.log.Warn("dropped unresponsive connection", "room", roomID, "conn_id", c.ID, "user_id", c.UserID)
	}
}
