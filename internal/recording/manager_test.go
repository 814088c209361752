package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackrtc/roomrelay/internal/auth"
	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/metrics"
	"github.com/hackrtc/roomrelay/internal/recorder"
	"github.com/hackrtc/roomrelay/internal/store"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAgent struct {
	path    string
	started time.Time

	summary recorder.CaptureSummary
	runErr  error
	panics  bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (a *fakeAgent) Run(context.Context) (recorder.CaptureSummary, error) {
	if a.panics {
		panic("agent exploded")
	}
	<-a.stopCh
	return a.summary, a.runErr
}

func (a *fakeAgent) Stop()                { a.stopOnce.Do(func() { close(a.stopCh) }) }
func (a *fakeAgent) OutputPath() string   { return a.path }
func (a *fakeAgent) StartedAt() time.Time { return a.started }

type fakeBlobs struct {
	mu   sync.Mutex
	err  error
	keys []string
}

func (b *fakeBlobs) PutFile(_ context.Context, key, _, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if contentType != recorder.ContentType {
		return "", errors.New("unexpected content type " + contentType)
	}
	if b.err != nil {
		return "", b.err
	}
	b.keys = append(b.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type fakeIssuer struct{ claims []auth.Claims }

func (f *fakeIssuer) Issue(c auth.Claims, _ time.Duration) (string, error) {
	f.claims = append(f.claims, c)
	return "token-" + c.Subject, nil
}

type harness struct {
	m       *Manager
	store   *store.Store
	clock   *stepClock
	metrics *metrics.Metrics
	issuer  *fakeIssuer

	mu     sync.Mutex
	agents []*fakeAgent
	// configure runs on every agent before it is returned.
	configure func(*fakeAgent)
}

var (
	host  = auth.Identity{Subject: "host", DisplayName: "Host", Kind: auth.KindParticipant}
	mod   = auth.Identity{Subject: "mod", DisplayName: "Mod", Kind: auth.KindParticipant}
	guest = auth.Identity{Subject: "guest", DisplayName: "Guest", Kind: auth.KindParticipant}
	stray = auth.Identity{Subject: "stray", DisplayName: "Stray", Kind: auth.KindParticipant}
)

func newHarness(t *testing.T, blobs *fakeBlobs) *harness {
	t.Helper()
	clk := &stepClock{now: time.Unix(1_700_000_000, 0).UTC()}
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "rooms.db"), PoolSize: 2, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateRoom(ctx, store.Room{ID: "room-1", Name: "Standup", OwnerID: "host"}))
	for user, role := range map[string]store.Role{"host": store.RoleHost, "mod": store.RoleModerator, "guest": store.RoleGuest} {
		require.NoError(t, st.UpsertParticipant(ctx, store.Participant{RoomID: "room-1", UserID: user, Role: role}))
	}

	h := &harness{store: st, clock: clk, metrics: metrics.New(), issuer: &fakeIssuer{}}
	cfg := Config{
		Store:       st,
		Tokens:      h.issuer,
		Compression: config.CompressionZstd,
		Metrics:     h.metrics,
		Now:         clk.Now,
		NewAgent: func(roomID, token string) (Agent, error) {
			a := &fakeAgent{
				path:    filepath.Join("/recordings", "recording_"+roomID+".rtpcap.zst"),
				started: clk.Now(),
				stopCh:  make(chan struct{}),
				summary: recorder.CaptureSummary{
					Path:     filepath.Join("/recordings", "recording_"+roomID+".rtpcap.zst"),
					Bytes:    1234,
					Checksum: "abc123",
					Tracks:   2,
					Packets:  99,
				},
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.configure != nil {
				h.configure(a)
			}
			h.agents = append(h.agents, a)
			return a, nil
		},
	}
	if blobs != nil {
		cfg.Blobs = blobs
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) waitRecording(t *testing.T, roomID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.m.Status(roomID).StartedAt.IsZero()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStart_SecondStartIsAlreadyRunning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = h.m.Start(ctx, "room-1", mod)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, h.m.Active())

	recs, err := h.store.ListRecordings(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, recs, 1, "a rejected start must not persist a record")

	h.waitRecording(t, "room-1")
	st := h.m.Status("room-1")
	assert.True(t, st.Running)
	assert.Equal(t, id, st.RecordingID)
	assert.Equal(t, "/recordings/recording_room-1.rtpcap.zst", st.OutputPath)

	require.Len(t, h.issuer.claims, 1)
	assert.True(t, h.issuer.claims[0].Recorder)

	res, err := h.m.Stop(ctx, "room-1", host)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingCompleted, res.Status)
	assert.Equal(t, id, res.RecordingID)
	assert.Empty(t, res.URL)
	assert.Equal(t, 0, h.m.Active())
}

func TestStop_NotRunningMutatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.m.Stop(ctx, "room-1", host)
	require.ErrorIs(t, err, ErrNotRunning)

	recs, err := h.store.ListRecordings(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, h.m.Active())
	assert.False(t, h.m.Status("room-1").Running)
}

func TestStartStop_Authorization(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.m.Start(ctx, "room-1", guest)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.m.Start(ctx, "room-1", stray)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.m.Start(ctx, "no-such-room", host)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.m.Start(ctx, "room-1", auth.Identity{Subject: "host", Kind: auth.KindRecordingAgent})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, h.m.Active())

	_, err = h.m.Start(ctx, "room-1", mod)
	require.NoError(t, err)
	_, err = h.m.Stop(ctx, "room-1", guest)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 1, h.m.Active())

	_, err = h.m.Stop(ctx, "room-1", host)
	require.NoError(t, err)
}

func TestRun_CompletedWithUploadAndFlooredDuration(t *testing.T) {
	blobs := &fakeBlobs{}
	h := newHarness(t, blobs)
	ctx := context.Background()

	id, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	h.waitRecording(t, "room-1")

	h.clock.Advance(7*time.Second + 900*time.Millisecond)
	res, err := h.m.Stop(ctx, "room-1", host)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingCompleted, res.Status)

	key := "recordings/room-1/1700000000.rtpcap.zst"
	assert.Equal(t, "https://cdn.example.com/"+key, res.URL)
	assert.Equal(t, []string{key}, blobs.keys)

	rec, err := h.store.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingCompleted, rec.Status)
	assert.Equal(t, key, rec.StorageKey)
	assert.Equal(t, "abc123", rec.Checksum)
	assert.Equal(t, int64(1234), rec.SizeBytes)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, int64(7), *rec.DurationSeconds)
	assert.Equal(t, int64(7), int64(rec.StoppedAt.Sub(rec.StartedAt)/time.Second))
	assert.Equal(t, uint64(1), h.metrics.Get(metrics.RecordingCompleted))
}

func TestRun_FailedWhenBlobStoreRejects(t *testing.T) {
	blobs := &fakeBlobs{err: errors.New("access denied")}
	h := newHarness(t, blobs)
	ctx := context.Background()

	id, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	h.waitRecording(t, "room-1")
	h.clock.Advance(3 * time.Second)

	res, err := h.m.Stop(ctx, "room-1", host)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingFailed, res.Status)
	assert.Empty(t, res.URL)

	rec, err := h.store.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingFailed, rec.Status)
	assert.Empty(t, rec.StorageKey)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, int64(3), *rec.DurationSeconds)
	assert.Equal(t, uint64(1), h.metrics.Get(metrics.RecordingUploadFailed))
	assert.Equal(t, uint64(1), h.metrics.Get(metrics.RecordingFailed))
}

func TestRun_AgentErrorIsFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.configure = func(a *fakeAgent) { a.runErr = errors.New("signaling connection lost") }

	_, err := h.m.Start(context.Background(), "room-1", host)
	require.NoError(t, err)
	h.waitRecording(t, "room-1")

	res, err := h.m.Stop(context.Background(), "room-1", host)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingFailed, res.Status)
}

func TestRun_AgentExitingOnItsOwnClearsEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	h.waitRecording(t, "room-1")

	h.mu.Lock()
	agent := h.agents[0]
	h.mu.Unlock()
	agent.Stop()

	require.Eventually(t, func() bool { return h.m.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
	rec, err := h.store.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingCompleted, rec.Status)

	_, err = h.m.Stop(ctx, "room-1", host)
	assert.ErrorIs(t, err, ErrNotRunning)

	// The room can be recorded again.
	_, err = h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	_, err = h.m.Stop(ctx, "room-1", host)
	require.NoError(t, err)

	recs, err := h.store.ListRecordings(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRun_PanicIsFailedAndCleared(t *testing.T) {
	h := newHarness(t, nil)
	h.configure = func(a *fakeAgent) { a.panics = true }
	ctx := context.Background()

	id, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.m.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
	rec, err := h.store.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingFailed, rec.Status)
	assert.Equal(t, uint64(1), h.metrics.Get(metrics.RecordingPanics))
}

func TestList_RequiresMembershipAndOrdersNewestFirst(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	h.waitRecording(t, "room-1")
	_, err = h.m.Stop(ctx, "room-1", host)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	h.waitRecording(t, "room-1")
	_, err = h.m.Stop(ctx, "room-1", host)
	require.NoError(t, err)

	recs, err := h.m.List(ctx, "room-1", guest)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second, recs[0].ID)
	assert.Equal(t, first, recs[1].ID)

	_, err = h.m.List(ctx, "room-1", stray)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestShutdown_StopsEveryRoom(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.CreateRoom(ctx, store.Room{ID: "room-2", OwnerID: "host"}))
	require.NoError(t, h.store.UpsertParticipant(ctx, store.Participant{RoomID: "room-2", UserID: "host", Role: store.RoleHost}))

	_, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)
	_, err = h.m.Start(ctx, "room-2", host)
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(sctx))
	assert.Equal(t, 0, h.m.Active())

	_, err = h.m.Start(ctx, "room-1", host)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestStop_RespectsContextDeadline(t *testing.T) {
	h := newHarness(t, nil)
	// Ignore Stop so the run loop never finishes on its own.
	h.configure = func(a *fakeAgent) { a.stopOnce.Do(func() {}) }
	ctx := context.Background()

	_, err := h.m.Start(ctx, "room-1", host)
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.m.Stop(sctx, "room-1", host)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.m.Active())

	h.mu.Lock()
	close(h.agents[0].stopCh)
	h.mu.Unlock()
	require.Eventually(t, func() bool { return h.m.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}
