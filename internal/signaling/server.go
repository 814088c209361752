package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hackrtc/roomrelay/internal/auth"
	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/metrics"
	"github.com/hackrtc/roomrelay/internal/ratelimit"
	"github.com/hackrtc/roomrelay/internal/store"
)

// Application close codes sent before the socket is dropped.
const (
	CloseAuthFailed   = 4401
	CloseRoomNotFound = 4404
)

const persistTimeout = 5 * time.Second

// PresenceStore is the persistence the server needs for presence and call
// logs. *store.Store implements it.
type PresenceStore interface {
	GetRoom(ctx context.Context, id string) (store.Room, error)
	SetParticipantConnected(ctx context.Context, roomID, userID string, connected bool) error
	UpdateParticipantState(ctx context.Context, roomID, userID string, patch store.StatePatch) (store.ParticipantState, error)
	OpenCallLog(ctx context.Context, roomID, userID string) (string, error)
	CloseCallLog(ctx context.Context, id string) error
}

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub      *Hub
	Verifier auth.Verifier
	Store    PresenceStore
	Limits   config.SignalingLimits

	// CheckOrigin is passed to the WebSocket upgrader. Nil allows every
	// origin.
	CheckOrigin func(*http.Request) bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Clock drives the per-connection rate limiter. Defaults to the wall
	// clock.
	Clock ratelimit.Clock
}

// Server serves GET /ws/{room}.
type Server struct {
	hub      *Hub
	verifier auth.Verifier
	store    PresenceStore
	limits   config.SignalingLimits
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	limits := cfg.Limits
	if limits.PongWait <= 0 {
		limits.PongWait = config.DefaultSignalingWSPongWait
	}
	if limits.PingInterval <= 0 || limits.PingInterval >= limits.PongWait {
		limits.PingInterval = limits.PongWait * 9 / 10
	}
	if limits.WriteWait <= 0 {
		limits.WriteWait = config.DefaultSignalingWSWriteWait
	}
	if limits.MaxMessageBytes <= 0 {
		limits.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger, cfg.Metrics)
	}
	return &Server{
		hub:      hub,
		verifier: cfg.Verifier,
		store:    cfg.Store,
		limits:   limits,
		log:      logger.With("component", "signaling"),
		metrics:  cfg.Metrics,
		clock:    clock,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{room}", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// session is the server-side state of one accepted socket.
type session struct {
	room      string
	conn      *Conn
	ws        *websocket.Conn
	callLogID string
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	token, err := auth.TokenFromQuery(r.URL.Query())
	var ident auth.Identity
	if err == nil {
		ident, err = s.verifier.Verify(token)
	}
	if err != nil {
		s.metrics.Inc(metrics.SignalingAuthFailures)
		s.log.Info("signaling auth failed", "room", roomID, "err", err)
		s.writeClose(ws, CloseAuthFailed, "unauthorized")
		return
	}

	// The upgraded request's context ends with the handler; persistence on
	// the way out must still run.
	ctx := context.WithoutCancel(r.Context())

	if err := s.checkRoom(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Inc(metrics.SignalingRoomNotFound)
			s.writeClose(ws, CloseRoomNotFound, "room not found")
			return
		}
		s.log.Error("room lookup failed", "room", roomID, "err", err)
		s.writeClose(ws, websocket.CloseInternalServerErr, "room lookup failed")
		return
	}

	sess := &session{
		room: roomID,
		conn: NewConn(uuid.NewString(), ident, s.limits.SendQueue),
		ws:   ws,
	}
	log := s.log.With("room", roomID, "conn_id", sess.conn.ID, "user_id", ident.Subject, "kind", ident.Kind.String())

	if !ident.IsRecordingAgent() {
		sess.callLogID = s.persistJoin(ctx, log, roomID, ident.Subject)
	}

	peers := s.hub.Connect(roomID, sess.conn)
	s.metrics.Inc(metrics.SignalingConnections)
	log.Info("signaling connected", "peers", len(peers))

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.writePump(sess)
	}()

	if !ident.IsRecordingAgent() {
		connected := true
		s.hub.Broadcast(roomID, Join{UserID: ident.Subject, DisplayName: ident.DisplayName, ConnID: sess.conn.ID}, sess.conn)
		s.hub.Broadcast(roomID, ParticipantState{UserID: ident.Subject, Connected: &connected}, sess.conn)
	}

	s.readLoop(ctx, log, sess)

	sess.conn.Close()
	s.hub.Disconnect(roomID, sess.conn)
	<-pumpDone

	if !ident.IsRecordingAgent() {
		s.persistLeave(ctx, log, roomID, ident.Subject, sess.callLogID)
		connected := false
		s.hub.Broadcast(roomID, Leave{UserID: ident.Subject, ConnID: sess.conn.ID}, nil)
		s.hub.Broadcast(roomID, ParticipantState{UserID: ident.Subject, Connected: &connected}, nil)
	}
	log.Info("signaling disconnected")
}

func (s *Server) checkRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return store.ErrNotFound
	}
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	_, err := s.store.GetRoom(ctx, roomID)
	return err
}

// persistJoin marks the participant connected and opens a call log span.
// Failures are logged; signaling continues without persistence.
func (s *Server) persistJoin(ctx context.Context, log *slog.Logger, roomID, userID string) string {
	if s.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := s.store.SetParticipantConnected(ctx, roomID, userID, true); err != nil {
		s.metrics.Inc(metrics.SignalingPresenceErrors)
		log.Error("mark participant connected", "err", err)
	}
	id, err := s.store.OpenCallLog(ctx, roomID, userID)
	if err != nil {
		s.metrics.Inc(metrics.SignalingPresenceErrors)
		log.Error("open call log", "err", err)
		return ""
	}
	return id
}

func (s *Server) persistLeave(ctx context.Context, log *slog.Logger, roomID, userID, callLogID string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := s.store.SetParticipantConnected(ctx, roomID, userID, false); err != nil {
		s.metrics.Inc(metrics.SignalingPresenceErrors)
		log.Error("mark participant disconnected", "err", err)
	}
	if callLogID == "" {
		return
	}
	if err := s.store.CloseCallLog(ctx, callLogID); err != nil {
		s.metrics.Inc(metrics.SignalingPresenceErrors)
		log.Error("close call log", "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, log *slog.Logger, sess *session) {
	ws := sess.ws
	limiter := ratelimit.NewMessageLimiter(s.clock, s.limits.MessagesPerSecond, s.limits.MessageBurst)

	_ = ws.SetReadDeadline(time.Now().Add(s.limits.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.limits.PongWait))
	})

	for {
		msgType, reader, err := ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !sess.conn.closed() {
				log.Debug("signaling read ended", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.limits.PongWait))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.SignalingRateLimited)
			s.writeClose(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.SignalingMalformed)
			s.writeClose(ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		frame, err := readLimited(reader, s.limits.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.writeClose(ws, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		msg, err := Decode(frame)
		if err != nil {
			s.metrics.Inc(metrics.SignalingMalformed)
			s.writeClose(ws, websocket.CloseUnsupportedData, "malformed message")
			return
		}

		switch m := msg.(type) {
		case Signal:
			s.routeSignal(log, sess, m)
		case State:
			s.applyState(ctx, log, sess, m)
		default:
			log.Debug("ignoring client message", "type", msg.Type())
		}
	}
}

func (s *Server) routeSignal(log *slog.Logger, sess *session, m Signal) {
	m.From = sess.conn.UserID
	m.FromConn = sess.conn.ID

	if m.ToConn == "" {
		s.hub.Broadcast(sess.room, m, sess.conn)
		return
	}
	if !s.hub.SendTo(sess.room, m.ToConn, m) {
		s.metrics.Inc(metrics.SignalingUndeliverable)
		log.Debug("dropping signal for unknown connection", "to_conn", m.ToConn)
	}
}

// applyState persists the flags before echoing them to the whole room,
// sender included.
func (s *Server) applyState(ctx context.Context, log *slog.Logger, sess *session, m State) {
	if sess.conn.IsRecordingAgent() {
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(ctx, persistTimeout)
		_, err := s.store.UpdateParticipantState(ctx, sess.room, sess.conn.UserID, store.StatePatch{
			MicOn:         m.MicOn,
			CamOn:         m.CamOn,
			ScreenSharing: m.ScreenSharing,
			IsSpeaking:    m.IsSpeaking,
			RaisedHand:    m.RaisedHand,
		})
		cancel()
		if err != nil {
			s.metrics.Inc(metrics.SignalingPresenceErrors)
			log.Error("persist participant state", "err", err)
		}
	}
	s.hub.Broadcast(sess.room, ParticipantState{UserID: sess.conn.UserID, Flags: m.Flags}, nil)
}

// writePump is the only writer of data frames on the socket.
func (s *Server) writePump(sess *session) {
	ws := sess.ws
	ticker := time.NewTicker(s.limits.PingInterval)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-sess.conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(s.limits.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.limits.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.conn.done:
			s.flush(sess)
			s.writeClose(ws, websocket.CloseNormalClosure, "")
			return
		}
	}
}

// flush writes frames that were queued before the connection was closed.
func (s *Server) flush(sess *session) {
	for {
		select {
		case frame := <-sess.conn.send:
			_ = sess.ws.SetWriteDeadline(time.Now().Add(s.limits.WriteWait))
			if err := sess.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.limits.WriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
