package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/hackrtc/roomrelay/internal/signaling"
)

// taskQueue runs negotiation steps for one link in order on a dedicated
// goroutine. push never blocks, so the owner loop cannot be stalled by a slow
// peer.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func() error
	closed bool
	wake   chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(task func() error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run executes tasks until the queue is closed or a task fails.
func (q *taskQueue) run() error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if err := task(); err != nil {
			return err
		}
	}
}

// linkEvent is reported by a link's worker or pion callbacks to the owner loop.
type linkEvent struct {
	remoteConn string
	link       *peerLink
	err        error
}

// peerLink is the Agent's peer connection with one remote participant.
type peerLink struct {
	remoteConn string
	remoteUser string
	pc         *webrtc.PeerConnection
	sink       *sink
	queue      *taskQueue
	send       func(signaling.Signal) error
	log        *slog.Logger

	// offered is set by the owner loop when the link starts as the offerer.
	offered bool

	// Only touched from queue tasks.
	pendingICE []webrtc.ICECandidateInit

	workerDone chan struct{}
	closeOnce  sync.Once
}

func (l *peerLink) start(report func(linkEvent)) {
	l.workerDone = make(chan struct{})
	go func() {
		defer close(l.workerDone)
		if err := l.queue.run(); err != nil {
			report(linkEvent{remoteConn: l.remoteConn, link: l, err: err})
		}
	}()
}

// offer adds the receive-only transceivers and sends an offer to the remote.
func (l *peerLink) offer() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return l.sendDescription(offer)
}

func (l *peerLink) applyDescription(desc signaling.SessionDescription) error {
	sdpType := webrtc.NewSDPType(desc.Type)
	switch sdpType {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
	default:
		return fmt.Errorf("unsupported sdp type %q", desc.Type)
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	l.flushPendingICE()

	if sdpType != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return l.sendDescription(answer)
}

// addCandidate never fails the link; bad candidates are only logged.
func (l *peerLink) addCandidate(c signaling.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if l.pc.RemoteDescription() == nil {
		l.pendingICE = append(l.pendingICE, init)
		return nil
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		l.log.Warn("add ice candidate failed", "err", err)
	}
	return nil
}

func (l *peerLink) flushPendingICE() {
	pending := l.pendingICE
	l.pendingICE = nil
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn("add buffered ice candidate failed", "err", err)
		}
	}
}

func (l *peerLink) sendDescription(desc webrtc.SessionDescription) error {
	err := l.send(signaling.Signal{
		ToConn: l.remoteConn,
		SDP:    &signaling.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP},
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", desc.Type, err)
	}
	return nil
}

func (l *peerLink) sendCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	err := l.send(signaling.Signal{
		ToConn: l.remoteConn,
		ICE: &signaling.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
	if err != nil && !errors.Is(err, errSocketClosed) {
		l.log.Debug("send ice candidate failed", "err", err)
	}
}

// close tears down the peer connection, then waits for the sink readers
// and the negotiation worker. Safe to call more than once.
func (l *peerLink) close() {
	l.closeOnce.Do(func() {
		l.queue.close()
		if err := l.pc.Close(); err != nil {
			l.log.Debug("peer connection close", "err", err)
		}
		l.sink.stop()
		if l.workerDone != nil {
			<-l.workerDone
		}
	})
}
