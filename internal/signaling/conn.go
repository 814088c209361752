package signaling

import (
	"errors"
	"sync"

	"github.com/hackrtc/roomrelay/internal/auth"
)

var (
	ErrConnClosed    = errors.New("signaling: connection closed")
	ErrSendQueueFull = errors.New("signaling: send queue full")
)

const defaultSendQueue = 64

// Conn is one accepted signaling socket as seen by the hub. The socket
// itself is owned by the server's read and write pumps; the hub only ever
// enqueues encoded frames.
type Conn struct {
	ID          string
	UserID      string
	DisplayName string
	Kind        auth.Kind

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn returns an open connection with a send queue of queueLen frames.
func NewConn(id string, ident auth.Identity, queueLen int) *Conn {
	if queueLen <= 0 {
		queueLen = defaultSendQueue
	}
	return &Conn{
		ID:          id,
		UserID:      ident.Subject,
		DisplayName: ident.DisplayName,
		Kind:        ident.Kind,
		send:        make(chan []byte, queueLen),
		done:        make(chan struct{}),
	}
}

func (c *Conn) IsRecordingAgent() bool { return c.Kind == auth.KindRecordingAgent }

func (c *Conn) PeerInfo() PeerInfo {
	return PeerInfo{UserID: c.UserID, ConnID: c.ID, DisplayName: c.DisplayName}
}

// Send encodes and enqueues m without blocking.
func (c *Conn) Send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

// enqueue never blocks. A full queue means the peer is not keeping up, so
// the connection is closed and dropped.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.Close()
		return ErrSendQueueFull
	}
}

// Close marks the connection closed. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
