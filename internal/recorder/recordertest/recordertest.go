// Package recordertest provides a scripted browser-like participant and an
// in-process virtual network for exercising the Recording Agent in tests.
package recordertest

import (
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/hackrtc/roomrelay/internal/signaling"
)

// NewVNet starts a virtual router and returns n attached hosts with
// addresses 10.0.0.1 onward. The router is stopped on test cleanup.
func NewVNet(tb testing.TB, n int) []*vnet.Net {
	tb.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		tb.Fatalf("new router: %v", err)
	}

	nets := make([]*vnet.Net, 0, n)
	for i := 0; i < n; i++ {
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.0.0.%d", i+1)}})
		if err != nil {
			tb.Fatalf("new net %d: %v", i, err)
		}
		if err := router.AddNet(nw); err != nil {
			tb.Fatalf("add net %d: %v", i, err)
		}
		nets = append(nets, nw)
	}
	if err := router.Start(); err != nil {
		tb.Fatalf("start router: %v", err)
	}
	tb.Cleanup(func() { _ = router.Stop() })
	return nets
}

// WSURL turns an httptest server URL into the signaling URL for room.
func WSURL(serverURL, roomID, token string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		panic(err)
	}
	u.Scheme = "ws"
	u = u.JoinPath("ws", roomID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Participant joins a room over signaling, answers every offer it receives
// with a single Opus track and streams silence frames on it until closed.
type Participant struct {
	ConnID string
	Peers  []signaling.PeerInfo

	tb    testing.TB
	api   *webrtc.API
	ws    *websocket.Conn
	track *webrtc.TrackLocalStaticSample

	writeMu sync.Mutex

	mu      sync.Mutex
	pcs     map[string]*webrtc.PeerConnection
	pending map[string][]webrtc.ICECandidateInit

	connected chan string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Join dials wsURL, consumes welcome and peers, and starts answering offers.
func Join(tb testing.TB, api *webrtc.API, wsURL string) *Participant {
	tb.Helper()

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		tb.Fatalf("dial signaling: %v", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	if err != nil {
		tb.Fatalf("new track: %v", err)
	}

	p := &Participant{
		tb:        tb,
		api:       api,
		ws:        ws,
		track:     track,
		pcs:       map[string]*webrtc.PeerConnection{},
		pending:   map[string][]webrtc.ICECandidateInit{},
		connected: make(chan string, 8),
		done:      make(chan struct{}),
	}

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
	go p.stream()
	tb.Cleanup(p.Close)
	return p
}

func (p *Participant) read() signaling.Message {
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

// Connected yields the connection id of each remote whose peer connection
// reaches the connected state.
func (p *Participant) Connected() <-chan string { return p.connected }

// Close leaves the room and tears down every peer connection.
func (p *Participant) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.writeMu.Lock()
		_ = p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.ws.Close()
		p.wg.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		for _, pc := range p.pcs {
			_ = pc.Close()
		}
	})
}

func (p *Participant) loop() {
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
		if err := p.handleSignal(sig); err != nil {
			p.tb.Logf("participant %s: %v", p.ConnID, err)
		}
	}
}

func (p *Participant) handleSignal(sig signaling.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sig.ICE != nil {
		init := webrtc.ICECandidateInit{
			Candidate:        sig.ICE.Candidate,
			SDPMid:           sig.ICE.SDPMid,
			SDPMLineIndex:    sig.ICE.SDPMLineIndex,
			UsernameFragment: sig.ICE.UsernameFragment,
		}
		pc, ok := p.pcs[sig.FromConn]
		if !ok || pc.RemoteDescription() == nil {
			p.pending[sig.FromConn] = append(p.pending[sig.FromConn], init)
			return nil
		}
		return pc.AddICECandidate(init)
	}
	if sig.SDP == nil || sig.SDP.Type != "offer" {
		return nil
	}

	pc, ok := p.pcs[sig.FromConn]
	if !ok {
		var err error
		pc, err = p.newPeerConnection(sig.FromConn)
		if err != nil {
			return err
		}
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP.SDP}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	for _, c := range p.pending[sig.FromConn] {
		_ = pc.AddICECandidate(c)
	}
	delete(p.pending, sig.FromConn)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return p.send(signaling.Signal{
		ToConn: sig.FromConn,
		SDP:    &signaling.SessionDescription{Type: "answer", SDP: answer.SDP},
	})
}

func (p *Participant) newPeerConnection(remote string) (*webrtc.PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if _, err := pc.AddTrack(p.track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = p.send(signaling.Signal{
			ToConn: remote,
			ICE: &signaling.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			select {
			case p.connected <- remote:
			default:
			}
		}
	})
	p.pcs[remote] = pc
	return pc, nil
}

func (p *Participant) send(s signaling.Signal) error {
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

func (p *Participant) stream() {
	defer p.wg.Done()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			_ = p.track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
		}
	}
}
