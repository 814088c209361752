// Package recording owns the lifecycle of room recordings: it authorizes
// start and stop, guarantees at most one live recording per room, drives the
// Recording Agent and finalizes the persisted record once the agent exits.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hackrtc/roomrelay/internal/auth"
	"github.com/hackrtc/roomrelay/internal/blobstore"
	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/metrics"
	"github.com/hackrtc/roomrelay/internal/recorder"
	"github.com/hackrtc/roomrelay/internal/store"
)

const (
	persistTimeout = 10 * time.Second
	uploadTimeout  = 10 * time.Minute

	DefaultRecorderTokenTTL = 6 * time.Hour
)

// Store is the persistence the Manager needs. *store.Store implements it.
type Store interface {
	GetRoom(ctx context.Context, id string) (store.Room, error)
	GetParticipant(ctx context.Context, roomID, userID string) (store.Participant, error)
	CreateRecording(ctx context.Context, rec store.Recording) (store.Recording, error)
	UpdateRecording(ctx context.Context, id string, mutate func(*store.Recording)) (store.Recording, error)
	GetRecording(ctx context.Context, id string) (store.Recording, error)
	ListRecordings(ctx context.Context, roomID string) ([]store.Recording, error)
}

// Agent is a single recording session. *recorder.Agent implements it.
type Agent interface {
	Run(ctx context.Context) (recorder.CaptureSummary, error)
	Stop()
	OutputPath() string
	StartedAt() time.Time
}

// AgentFactory builds the agent for roomID authenticated with token.
type AgentFactory func(roomID, token string) (Agent, error)

type TokenIssuer interface {
	Issue(c auth.Claims, ttl time.Duration) (string, error)
}

type Config struct {
	Store    Store
	Tokens   TokenIssuer
	NewAgent AgentFactory
	// Blobs is optional. Without it recordings stay on local disk and end
	// Completed.
	Blobs blobstore.Store

	Compression      config.Compression
	RecorderTokenTTL time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager is the per-process registry of active recordings.
type Manager struct {
	store    Store
	tokens   TokenIssuer
	newAgent AgentFactory
	blobs    blobstore.Store
	comp     config.Compression
	tokenTTL time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	active  map[string]*session
	closing bool
	loops   sync.WaitGroup
}

type session struct {
	roomID      string
	recordingID string
	agent       Agent
	log         *slog.Logger

	// ready is closed once Start has either launched the run loop or given up.
	ready chan struct{}
	// done is closed when the run loop has persisted the final state.
	done chan struct{}

	mu        sync.Mutex
	startedAt time.Time
}

func (s *session) setStartedAt(t time.Time) {
	s.mu.Lock()
	s.startedAt = t
	s.mu.Unlock()
}

func (s *session) getStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Tokens == nil || cfg.NewAgent == nil {
		return nil, errors.New("recording: Store, Tokens and NewAgent are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.RecorderTokenTTL
	if ttl <= 0 {
		ttl = DefaultRecorderTokenTTL
	}
	return &Manager{
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		newAgent: cfg.NewAgent,
		blobs:    cfg.Blobs,
		comp:     cfg.Compression,
		tokenTTL: ttl,
		log:      logger.With("component", "recording"),
		metrics:  cfg.Metrics,
		now:      now,
		active:   make(map[string]*session),
	}, nil
}

// authorize checks that userID may start or stop recordings in roomID.
func (m *Manager) authorize(ctx context.Context, roomID, userID string) error {
	if _, err := m.store.GetRoom(ctx, roomID); err != nil {
		return err
	}
	p, err := m.store.GetParticipant(ctx, roomID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: not in room", ErrForbidden)
	}
	if err != nil {
		return err
	}
	if !p.Role.CanManageRecordings() {
		return fmt.Errorf("%w: role %s cannot manage recordings", ErrForbidden, p.Role)
	}
	return nil
}

// Start launches a recording of roomID and returns its id.
func (m *Manager) Start(ctx context.Context, roomID string, requester auth.Identity) (string, error) {
	if requester.IsRecordingAgent() {
		return "", fmt.Errorf("%w: recording agents cannot start recordings", ErrForbidden)
	}
	if err := m.authorize(ctx, roomID, requester.Subject); err != nil {
		return "", err
	}

	s := &session{
		roomID: roomID,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, ok := m.active[roomID]; ok {
		m.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	m.active[roomID] = s
	m.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			m.release(s)
			close(s.done)
		}
		close(s.ready)
	}()

	rec, err := m.store.CreateRecording(ctx, store.Recording{
		RoomID:    roomID,
		CreatedBy: requester.Subject,
		Status:    store.RecordingStarting,
	})
	if err != nil {
		return "", fmt.Errorf("recording: persist: %w", err)
	}
	s.recordingID = rec.ID
	s.log = m.log.With("room_id", roomID, "recording_id", rec.ID)

	agent, err := m.prepareAgent(ctx, roomID, rec.ID)
	if err != nil {
		s.log.Error("recording start failed", "err", err)
		m.markFailed(s)
		return "", err
	}
	s.agent = agent

	m.loops.Add(1)
	launched = true
	go m.run(s)

	m.metrics.Inc(metrics.RecordingStarted)
	s.log.Info("recording started", "requested_by", requester.Subject, "output_path", agent.OutputPath())
	return rec.ID, nil
}

func (m *Manager) prepareAgent(ctx context.Context, roomID, recordingID string) (Agent, error) {
	token, err := m.tokens.Issue(auth.Claims{
		Subject:     "recorder-" + recordingID,
		DisplayName: "Recorder",
		Recorder:    true,
	}, m.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("recording: issue agent credential: %w", err)
	}
	agent, err := m.newAgent(roomID, token)
	if err != nil {
		return nil, fmt.Errorf("recording: build agent: %w", err)
	}
	if _, err := m.store.UpdateRecording(ctx, recordingID, func(r *store.Recording) {
		r.OutputPath = agent.OutputPath()
	}); err != nil {
		return nil, fmt.Errorf("recording: persist output path: %w", err)
	}
	return agent, nil
}

// run drives one session to a terminal state on a context detached from the
// request that started it.
func (m *Manager) run(s *session) {
	defer m.loops.Done()
	defer close(s.done)
	defer m.release(s)
	defer func() {
		if r := recover(); r != nil {
			m.metrics.Inc(metrics.RecordingPanics)
			s.log.Error("recording run loop panicked", "panic", r)
			m.markFailed(s)
		}
	}()

	now := m.now()
	rec, err := m.update(s, func(r *store.Recording) {
		r.Status = store.RecordingRecording
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
	})
	if err != nil {
		s.log.Error("mark recording failed", "err", err)
		s.agent.Stop()
		m.markFailed(s)
		return
	}
	s.setStartedAt(rec.StartedAt)

	summary, runErr := s.agent.Run(context.Background())
	stoppedAt := m.now()
	if runErr != nil {
		s.log.Warn("recording agent exited with error", "err", runErr)
	}

	if _, err := m.update(s, func(r *store.Recording) {
		r.Status = store.RecordingStopping
		if summary.Path != "" {
			r.OutputPath = summary.Path
		}
		r.Checksum = summary.Checksum
		r.SizeBytes = summary.Bytes
	}); err != nil {
		s.log.Error("mark stopping failed", "err", err)
	}

	status := store.RecordingCompleted
	if runErr != nil {
		status = store.RecordingFailed
	}
	var key, url string
	if status == store.RecordingCompleted && m.blobs != nil {
		key, url = m.upload(s, summary)
		if url == "" {
			status = store.RecordingFailed
		}
	}

	duration := floorSeconds(stoppedAt.Sub(rec.StartedAt))
	final, err := m.update(s, func(r *store.Recording) {
		r.Status = status
		r.StoppedAt = stoppedAt
		r.DurationSeconds = &duration
		r.StorageKey = key
		r.PublicURL = url
	})
	if err != nil {
		s.log.Error("persist final recording state failed", "err", err)
		m.markFailed(s)
		return
	}

	if final.Status == store.RecordingCompleted {
		m.metrics.Inc(metrics.RecordingCompleted)
	} else {
		m.metrics.Inc(metrics.RecordingFailed)
	}
	s.log.Info("recording finished",
		"status", string(final.Status),
		"duration_seconds", duration,
		"packets", summary.Packets,
		"bytes", summary.Bytes,
		"url", url,
	)
}

// upload returns an empty url when the blob store rejects the capture.
func (m *Manager) upload(s *session, summary recorder.CaptureSummary) (key, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	key = recorder.UploadKey(s.roomID, s.agent.StartedAt(), m.comp)
	url, err := m.blobs.PutFile(ctx, key, summary.Path, recorder.ContentType)
	if err != nil {
		m.metrics.Inc(metrics.RecordingUploadFailed)
		s.log.Error("recording upload failed", "key", key, "err", err)
		return "", ""
	}
	return key, url
}

func (m *Manager) update(s *session, mutate func(*store.Recording)) (store.Recording, error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return m.store.UpdateRecording(ctx, s.recordingID, mutate)
}

// markFailed moves the record to Failed unless it already reached a
// terminal state.
func (m *Manager) markFailed(s *session) {
	if s.recordingID == "" {
		return
	}
	stoppedAt := m.now()
	changed := false
	_, err := m.update(s, func(r *store.Recording) {
		if r.Status.Terminal() {
			return
		}
		changed = true
		r.Status = store.RecordingFailed
		if r.StoppedAt.IsZero() {
			r.StoppedAt = stoppedAt
		}
		if !r.StartedAt.IsZero() && r.DurationSeconds == nil {
			d := floorSeconds(r.StoppedAt.Sub(r.StartedAt))
			r.DurationSeconds = &d
		}
	})
	if err != nil {
		s.log.Error("mark recording failed", "err", err)
		return
	}
	if changed {
		m.metrics.Inc(metrics.RecordingFailed)
	}
}

func floorSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// release clears the registry entry if it still belongs to s.
func (m *Manager) release(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[s.roomID]; ok && cur == s {
		delete(m.active, s.roomID)
	}
}

func (m *Manager) lookup(roomID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[roomID]
}

// StopResult is the persisted outcome returned by Stop.
type StopResult struct {
	Status      store.RecordingStatus
	RecordingID string
	URL         string
}

// Stop asks the room's agent to finish and waits for the run loop to persist
// the final state. It never clears the registry entry itself.
func (m *Manager) Stop(ctx context.Context, roomID string, requester auth.Identity) (StopResult, error) {
	if err := m.authorize(ctx, roomID, requester.Subject); err != nil {
		return StopResult{}, err
	}
	s := m.lookup(roomID)
	if s == nil {
		return StopResult{}, ErrNotRunning
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}
	if s.agent != nil {
		s.agent.Stop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}
	if s.recordingID == "" {
		return StopResult{}, ErrNotRunning
	}

	rec, err := m.store.GetRecording(ctx, s.recordingID)
	if err != nil {
		return StopResult{}, err
	}
	return StopResult{Status: rec.Status, RecordingID: rec.ID, URL: rec.PublicURL}, nil
}

// Status describes the room's live recording, if any.
type Status struct {
	Running     bool
	RecordingID string
	StartedAt   time.Time
	OutputPath  string
}

func (m *Manager) Status(roomID string) Status {
	s := m.lookup(roomID)
	if s == nil {
		return Status{}
	}
	select {
	case <-s.ready:
	default:
		return Status{Running: true}
	}
	st := Status{Running: true, RecordingID: s.recordingID, StartedAt: s.getStartedAt()}
	if s.agent != nil {
		st.OutputPath = s.agent.OutputPath()
	}
	return st
}

// List returns the room's recordings, newest first, to any room participant.
func (m *Manager) List(ctx context.Context, roomID string, requester auth.Identity) ([]store.Recording, error) {
	if _, err := m.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if _, err := m.store.GetParticipant(ctx, roomID, requester.Subject); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: not in room", ErrForbidden)
		}
		return nil, err
	}
	return m.store.ListRecordings(ctx, roomID)
}

// Active returns the number of rooms with a live recording.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown refuses new recordings, stops every active one concurrently and
// waits for their run loops until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			select {
			case <-s.ready:
			case <-gctx.Done():
				return gctx.Err()
			}
			if s.agent != nil {
				s.agent.Stop()
			}
			select {
			case <-s.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("recording %s in room %s: %w", s.recordingID, s.roomID, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	waited := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
