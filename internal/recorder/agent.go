// Package recorder implements the Recording Agent: a signaling client that
// joins a room as a hidden participant, negotiates a receive-only peer
// connection with every other participant and muxes their RTP into one
// capture file.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/signaling"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second

	DefaultPLIInterval = 3 * time.Second

	inboundQueue = 64
)

var (
	ErrAlreadyRun = errors.New("recorder: agent already run")

	errSocketClosed = errors.New("recorder: signaling socket closed")
)

type Config struct {
	RoomID string
	// SignalBaseURL is the ws:// or wss:// origin of the signaling server.
	SignalBaseURL string
	// Token must carry the recorder claim.
	Token string

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	OutputDir   string
	Compression config.Compression
	PLIInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Agent records one room. Run may be called once.
type Agent struct {
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
	startedAt time.Time
	capture   *CaptureWriter

	ran      atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	writeMu sync.Mutex
	ws      *websocket.Conn

	// done is closed when finalize begins.
	done    chan struct{}
	events  chan linkEvent
	readers sync.WaitGroup
	closers sync.WaitGroup

	// Owned by the Run goroutine.
	selfConn string
	links    map[string]*peerLink
}

func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.RoomID) == "" {
		return nil, errors.New("recorder: room id is required")
	}
	if cfg.API == nil {
		return nil, errors.New("recorder: webrtc api is required")
	}
	if _, err := signalURL(cfg.SignalBaseURL, cfg.RoomID, cfg.Token); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PLIInterval == 0 {
		cfg.PLIInterval = DefaultPLIInterval
	}

	startedAt := cfg.Now()
	path := OutputPath(cfg.OutputDir, cfg.RoomID, startedAt, cfg.Compression)
	return &Agent{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "recorder", "room_id", cfg.RoomID),
		now:       cfg.Now,
		startedAt: startedAt,
		capture:   NewCaptureWriter(path, cfg.RoomID, startedAt, cfg.Compression),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		events:    make(chan linkEvent),
		links:     make(map[string]*peerLink),
	}, nil
}

func (a *Agent) OutputPath() string   { return a.capture.Path() }
func (a *Agent) StartedAt() time.Time { return a.startedAt }

// Packets reports how many RTP packets have been captured so far.
func (a *Agent) Packets() int64 { return a.capture.Packets() }

// Stop asks Run to finalize and return. It does not wait.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Run connects to the room and records until Stop is called, ctx is
// cancelled or the signaling socket closes. A socket that closes after the
// welcome frame ends the recording without error; one that closes before
// it is reported as an error. The capture is finalized exactly once before
// Run returns, whatever the exit reason.
func (a *Agent) Run(ctx context.Context) (summary CaptureSummary, err error) {
	if !a.ran.CompareAndSwap(false, true) {
		return CaptureSummary{}, ErrAlreadyRun
	}
	defer func() {
		summary, err = a.finalize(err)
	}()

	ws, err := a.dial(ctx)
	if err != nil {
		return CaptureSummary{}, err
	}
	a.writeMu.Lock()
	a.ws = ws
	a.writeMu.Unlock()
	a.log.Info("recorder connected", "output_path", a.OutputPath())

	inbound := make(chan signaling.Message, inboundQueue)
	readErr := make(chan error, 1)
	a.readers.Add(1)
	go a.readLoop(ws, inbound, readErr)

	for {
		select {
		case <-a.stop:
			return CaptureSummary{}, nil
		case <-ctx.Done():
			return CaptureSummary{}, nil
		case err := <-readErr:
			if a.selfConn == "" {
				return CaptureSummary{}, fmt.Errorf("recorder: signaling connection lost: %w", err)
			}
			// Once admitted, the hub closing the socket ends the session the
			// same way a stop request does.
			a.log.Info("signaling connection closed", "err", err)
			return CaptureSummary{}, nil
		case m := <-inbound:
			a.handle(m)
		case ev := <-a.events:
			a.handleEvent(ev)
		}
	}
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := signalURL(a.cfg.SignalBaseURL, a.cfg.RoomID, a.cfg.Token)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := dialer.DialContext(dialCtx, u, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("recorder: dial signaling: %w", err)
	}
	return ws, nil
}

func signalURL(base, roomID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("recorder: signal base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("recorder: signal base url must be ws:// or wss://, got %q", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("recorder: signal base url %q has no host", base)
	}
	u = u.JoinPath("ws", roomID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Agent) readLoop(ws *websocket.Conn, inbound chan<- signaling.Message, readErr chan<- error) {
	defer a.readers.Done()
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		m, err := signaling.Decode(data)
		if err != nil {
			a.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		select {
		case inbound <- m:
		case <-a.done:
			return
		}
	}
}

func (a *Agent) handle(m signaling.Message) {
	switch m := m.(type) {
	case signaling.Welcome:
		a.selfConn = m.ConnID
	case signaling.Peers:
		for _, p := range m.Items {
			a.offerTo(p.ConnID, p.UserID)
		}
	case signaling.Join:
		a.offerTo(m.ConnID, m.UserID)
	case signaling.Signal:
		a.handleSignal(m)
	case signaling.Leave:
		a.dropLink(m.ConnID, "peer left")
	default:
		// Presence and state updates carry nothing the recorder needs.
	}
}

func (a *Agent) offerTo(connID, userID string) {
	if connID == "" || connID == a.selfConn {
		return
	}
	if _, ok := a.links[connID]; ok {
		return
	}
	l, err := a.newLink(connID, userID)
	if err != nil {
		a.log.Warn("create peer link failed", "remote_conn", connID, "err", err)
		return
	}
	l.offered = true
	l.queue.push(l.offer)
}

func (a *Agent) handleSignal(m signaling.Signal) {
	if m.FromConn == "" || m.FromConn == a.selfConn {
		return
	}
	if m.ToConn != "" && m.ToConn != a.selfConn {
		return
	}
	if m.SDP == nil && m.ICE == nil {
		return
	}

	l, ok := a.links[m.FromConn]
	if ok && l.offered && m.SDP != nil && m.SDP.Type == webrtc.SDPTypeOffer.String() && l.pc.RemoteDescription() == nil {
		// pion cannot roll back a local offer, so a competing remote offer
		// gets a fresh peer connection that answers it.
		a.dropLink(m.FromConn, "remote offer replaced local offer")
		ok = false
	}
	if !ok {
		var err error
		l, err = a.newLink(m.FromConn, m.From)
		if err != nil {
			a.log.Warn("create peer link failed", "remote_conn", m.FromConn, "err", err)
			return
		}
	}
	if sdp := m.SDP; sdp != nil {
		l.queue.push(func() error { return l.applyDescription(*sdp) })
	}
	if ice := m.ICE; ice != nil {
		l.queue.push(func() error { return l.addCandidate(*ice) })
	}
}

func (a *Agent) newLink(remoteConn, remoteUser string) (*peerLink, error) {
	pc, err := a.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: a.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	log := a.log.With("remote_conn", remoteConn, "remote_user", remoteUser)
	l := &peerLink{
		remoteConn: remoteConn,
		remoteUser: remoteUser,
		pc:         pc,
		queue:      newTaskQueue(),
		send:       a.sendSignal,
		log:        log,
	}
	l.sink = newSink(remoteConn, a.capture, pc, a.cfg.PLIInterval, a.now, log)

	pc.OnICECandidate(l.sendCandidate)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.sink.attach(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			a.report(linkEvent{remoteConn: remoteConn, link: l, err: errors.New("peer connection failed")})
		}
	})

	l.start(a.report)
	a.links[remoteConn] = l
	log.Info("peer link created")
	return l, nil
}

func (a *Agent) report(ev linkEvent) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Agent) handleEvent(ev linkEvent) {
	if cur, ok := a.links[ev.remoteConn]; !ok || cur != ev.link {
		return
	}
	a.log.Warn("peer link failed", "remote_conn", ev.remoteConn, "err", ev.err)
	a.dropLink(ev.remoteConn, "link failed")
}

// dropLink removes a link from the map and closes it in the background so
// a slow teardown does not hold up the owner loop.
func (a *Agent) dropLink(connID, reason string) {
	l, ok := a.links[connID]
	if !ok {
		return
	}
	delete(a.links, connID)
	l.log.Info("peer link closed", "reason", reason)

	a.closers.Add(1)
	go func() {
		defer a.closers.Done()
		l.close()
	}()
}

func (a *Agent) sendSignal(s signaling.Signal) error {
	frame, err := signaling.Encode(s)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	select {
	case <-a.done:
		return errSocketClosed
	default:
	}
	if a.ws == nil {
		return errSocketClosed
	}
	_ = a.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.ws.WriteMessage(websocket.TextMessage, frame)
}

func (a *Agent) finalize(runErr error) (CaptureSummary, error) {
	close(a.done)

	a.writeMu.Lock()
	ws := a.ws
	a.ws = nil
	a.writeMu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording stopped"),
			time.Now().Add(writeTimeout),
		)
		_ = ws.Close()
	}
	a.readers.Wait()

	var g errgroup.Group
	for _, l := range a.links {
		g.Go(func() error {
			l.close()
			return nil
		})
	}
	_ = g.Wait()
	a.links = map[string]*peerLink{}
	a.closers.Wait()

	summary, err := a.capture.Close()
	if err != nil {
		a.log.Error("capture finalize failed", "err", err)
	}
	a.log.Info("recorder finalized",
		"output_path", summary.Path,
		"tracks", summary.Tracks,
		"packets", summary.Packets,
		"bytes", summary.Bytes,
	)
	return summary, errors.Join(runErr, err)
}
