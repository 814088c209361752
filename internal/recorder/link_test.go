package recorder

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hackrtc/roomrelay/internal/signaling"
)

func TestTaskQueue_RunsInOrderAndStopsOnError(t *testing.T) {
	q := newTaskQueue()
	var got []int
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		q.push(func() error {
			got = append(got, i)
			if i == 3 {
				return boom
			}
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.run() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("run err=%v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("queue did not stop")
	}
	if len(got) != 4 || got[0] != 0 || got[3] != 3 {
		t.Fatalf("ran %v, want [0 1 2 3]", got)
	}
}

func TestTaskQueue_CloseWakesIdleWorker(t *testing.T) {
	q := newTaskQueue()
	errCh := make(chan error, 1)
	go func() { errCh <- q.run() }()

	time.Sleep(10 * time.Millisecond)
	q.close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("closed queue did not wake worker")
	}
	if q.push(func() error { return nil }) {
		t.Fatalf("push after close succeeded")
	}
}

func TestPeerLink_BuffersCandidatesUntilRemoteOffer(t *testing.T) {
	api := webrtc.NewAPI()
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	var sent []signaling.Signal
	l := &peerLink{
		remoteConn: "remote-1",
		pc:         pc,
		queue:      newTaskQueue(),
		send:       func(s signaling.Signal) error { sent = append(sent, s); return nil },
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	mid := "0"
	index := uint16(0)
	candidates := []signaling.ICECandidate{
		{Candidate: "candidate:1 1 udp 2130706431 192.0.2.10 50000 typ host", SDPMid: &mid, SDPMLineIndex: &index},
		{Candidate: "candidate:garbage"},
	}
	for _, c := range candidates {
		if err := l.addCandidate(c); err != nil {
			t.Fatalf("addCandidate before offer: %v", err)
		}
	}
	if len(l.pendingICE) != 2 {
		t.Fatalf("pending=%d, want 2 buffered candidates", len(l.pendingICE))
	}

	remote, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new remote peer connection: %v", err)
	}
	t.Cleanup(func() { _ = remote.Close() })
	if _, err := remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	if err := l.applyDescription(signaling.SessionDescription{Type: "offer", SDP: offer.SDP}); err != nil {
		t.Fatalf("applyDescription: %v", err)
	}
	if len(l.pendingICE) != 0 {
		t.Fatalf("pending=%d after remote offer, want flushed", len(l.pendingICE))
	}
	if len(sent) != 1 || sent[0].SDP == nil || sent[0].SDP.Type != "answer" || sent[0].ToConn != "remote-1" {
		t.Fatalf("sent=%+v, want one answer to remote-1", sent)
	}

	// Once negotiated a bad candidate is logged, never fatal.
	if err := l.addCandidate(signaling.ICECandidate{Candidate: "candidate:garbage"}); err != nil {
		t.Fatalf("addCandidate after offer: %v", err)
	}
}

func TestPeerLink_RejectsUnknownDescriptionType(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	l := &peerLink{remoteConn: "remote-1", pc: pc, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := l.applyDescription(signaling.SessionDescription{Type: "rollback"}); err == nil {
		t.Fatalf("rollback from a remote must be rejected")
	}
}
