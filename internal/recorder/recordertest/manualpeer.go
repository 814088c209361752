package recordertest

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/hackrtc/roomrelay/internal/signaling"
)

// ManualPeer is a participant whose negotiation is driven by the test one
// step at a time. Its peer connection sends one Opus track. Remote ICE
// candidates are applied in the background, buffered until a remote
// description is set; descriptions are handed to the test via Description.
type ManualPeer struct {
	ConnID string
	Peers  []signaling.PeerInfo
	PC     *webrtc.PeerConnection

	tb      testing.TB
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	target  string
	pending []webrtc.ICECandidateInit

	sdp       chan signaling.Signal
	connected chan struct{}
	connOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialManual joins a room and returns once welcome and peers were read.
func DialManual(tb testing.TB, api *webrtc.API, wsURL string) *ManualPeer {
	tb.Helper()

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		tb.Fatalf("dial signaling: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		tb.Fatalf("new peer connection: %v", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "manual")
	if err != nil {
		tb.Fatalf("new track: %v", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		tb.Fatalf("add track: %v", err)
	}

	p := &ManualPeer{
		PC:        pc,
		tb:        tb,
		ws:        ws,
		sdp:       make(chan signaling.Signal, 16),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	pc.OnICECandidate(p.trickle)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			p.connOnce.Do(func() { close(p.connected) })
		}
	})

	welcome, ok := p.read().(signaling.Welcome)
	if !ok {
		tb.Fatalf("first frame is not welcome")
	}
	p.ConnID = welcome.ConnID
	peers, ok := p.read().(signaling.Peers)
	if !ok {
		tb.Fatalf("second frame is not peers")
	}
	p.Peers = peers.Items

	p.wg.Add(2)
	go p.loop()
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(20 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-t.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			}
		}
	}()
	tb.Cleanup(p.Close)
	return p
}

func (p *ManualPeer) read() signaling.Message {
	p.tb.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		p.tb.Fatalf("read signaling: %v", err)
	}
	_ = p.ws.SetReadDeadline(time.Time{})
	m, err := signaling.Decode(data)
	if err != nil {
		p.tb.Fatalf("decode signaling: %v", err)
	}
	return m
}

func (p *ManualPeer) loop() {
	defer p.wg.Done()
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		m, err := signaling.Decode(data)
		if err != nil {
			continue
		}
		sig, ok := m.(signaling.Signal)
		if !ok || sig.ToConn != p.ConnID {
			continue
		}
		if sig.SDP != nil {
			select {
			case p.sdp <- sig:
			case <-p.done:
				return
			}
		}
		if sig.ICE != nil {
			p.addCandidate(webrtc.ICECandidateInit{
				Candidate:        sig.ICE.Candidate,
				SDPMid:           sig.ICE.SDPMid,
				SDPMLineIndex:    sig.ICE.SDPMLineIndex,
				UsernameFragment: sig.ICE.UsernameFragment,
			})
		}
	}
}

func (p *ManualPeer) addCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PC.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		return
	}
	_ = p.PC.AddICECandidate(c)
}

func (p *ManualPeer) trickle(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	p.mu.Lock()
	to := p.target
	p.mu.Unlock()
	if to == "" {
		return
	}
	init := c.ToJSON()
	_ = p.Send(signaling.Signal{
		ToConn: to,
		ICE: &signaling.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
}

// Send writes a raw signal frame.
func (p *ManualPeer) Send(s signaling.Signal) error {
	frame, err := signaling.Encode(s)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return websocket.ErrCloseSent
	default:
	}
	return p.ws.WriteMessage(websocket.TextMessage, frame)
}

// Description waits for the next session description addressed to this
// peer.
func (p *ManualPeer) Description(timeout time.Duration) signaling.Signal {
	p.tb.Helper()
	select {
	case sig := <-p.sdp:
		return sig
	case <-time.After(timeout):
		p.tb.Fatalf("no session description within %s", timeout)
		return signaling.Signal{}
	}
}

// Offer creates a local offer and sends it to remote. Local candidates are
// trickled to remote from then on.
func (p *ManualPeer) Offer(remote string) {
	p.tb.Helper()
	p.mu.Lock()
	p.target = remote
	p.mu.Unlock()

	offer, err := p.PC.CreateOffer(nil)
	if err != nil {
		p.tb.Fatalf("create offer: %v", err)
	}
	if err := p.PC.SetLocalDescription(offer); err != nil {
		p.tb.Fatalf("set local offer: %v", err)
	}
	if err := p.Send(signaling.Signal{
		ToConn: remote,
		SDP:    &signaling.SessionDescription{Type: "offer", SDP: offer.SDP},
	}); err != nil {
		p.tb.Fatalf("send offer: %v", err)
	}
}

// Accept applies a remote description from sig and, for an offer, answers
// it.
func (p *ManualPeer) Accept(sig signaling.Signal) {
	p.tb.Helper()
	p.mu.Lock()
	p.target = sig.FromConn
	err := p.PC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(sig.SDP.Type), SDP: sig.SDP.SDP})
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	if err != nil {
		p.tb.Fatalf("set remote %s: %v", sig.SDP.Type, err)
	}
	for _, c := range pending {
		_ = p.PC.AddICECandidate(c)
	}
	if sig.SDP.Type != "offer" {
		return
	}

	answer, err := p.PC.CreateAnswer(nil)
	if err != nil {
		p.tb.Fatalf("create answer: %v", err)
	}
	if err := p.PC.SetLocalDescription(answer); err != nil {
		p.tb.Fatalf("set local answer: %v", err)
	}
	if err := p.Send(signaling.Signal{
		ToConn: sig.FromConn,
		SDP:    &signaling.SessionDescription{Type: "answer", SDP: answer.SDP},
	}); err != nil {
		p.tb.Fatalf("send answer: %v", err)
	}
}

// Connected is closed once the peer connection reaches connected.
func (p *ManualPeer) Connected() <-chan struct{} { return p.connected }

// Close leaves the room and closes the peer connection.
func (p *ManualPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.writeMu.Lock()
		_ = p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.ws.Close()
		p.wg.Wait()
		_ = p.PC.Close()
	})
}
