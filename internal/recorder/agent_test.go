package recorder_test

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackrtc/roomrelay/internal/auth"
	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/recorder"
	"github.com/hackrtc/roomrelay/internal/recorder/recordertest"
	"github.com/hackrtc/roomrelay/internal/signaling"
	"github.com/hackrtc/roomrelay/internal/webrtcpeer"
)

const testSecret = "recorder-test-secret"

func startSignaling(t *testing.T) (*httptest.Server, *signaling.Hub) {
	t.Helper()
	hub := signaling.NewHub(nil, nil)
	srv := signaling.NewServer(signaling.Config{
		Hub:      hub,
		Verifier: auth.NewHS256(testSecret),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func issue(t *testing.T, subject string, recorderClaim bool) string {
	t.Helper()
	tok, err := auth.NewHS256(testSecret).Issue(auth.Claims{Subject: subject, DisplayName: subject, Recorder: recorderClaim}, time.Hour)
	require.NoError(t, err)
	return tok
}

func newAPI(t *testing.T, nw webrtcpeer.Option) *webrtc.API {
	t.Helper()
	api, err := webrtcpeer.NewAPI(config.Config{}, nw)
	require.NoError(t, err)
	return api
}

func TestAgent_RecordsParticipantAudio(t *testing.T) {
	nets := recordertest.NewVNet(t, 2)
	ts, hub := startSignaling(t)

	alice := recordertest.Join(t, newAPI(t, webrtcpeer.WithNet(nets[1])), recordertest.WSURL(ts.URL, "room-1", issue(t, "alice", false)))

	agent, err := recorder.New(recorder.Config{
		RoomID:        "room-1",
		SignalBaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		Token:         issue(t, "recorder-room-1", true),
		API:           newAPI(t, webrtcpeer.WithNet(nets[0])),
		OutputDir:     t.TempDir(),
		Compression:   config.CompressionZstd,
	})
	require.NoError(t, err)

	type result struct {
		summary recorder.CaptureSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := agent.Run(context.Background())
		done <- result{s, err}
	}()

	select {
	case <-alice.Connected():
	case <-time.After(15 * time.Second):
		t.Fatalf("participant never connected to the recorder")
	}
	require.Eventually(t, func() bool { return agent.Packets() >= 10 }, 15*time.Second, 50*time.Millisecond)

	require.Len(t, hub.Conns("room-1"), 2)

	alice.Close()
	require.Eventually(t, func() bool { return len(hub.Conns("room-1")) == 1 }, 5*time.Second, 20*time.Millisecond)

	agent.Stop()
	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("agent did not stop")
	}
	require.NoError(t, res.err)
	assert.Equal(t, agent.OutputPath(), res.summary.Path)
	assert.Equal(t, 1, res.summary.Tracks)
	assert.GreaterOrEqual(t, res.summary.Packets, int64(10))

	f, err := os.Open(res.summary.Path)
	require.NoError(t, err)
	defer f.Close()
	capture, err := recorder.ReadCapture(f)
	require.NoError(t, err)
	assert.Equal(t, "room-1", capture.RoomID)
	require.Len(t, capture.Tracks, 1)
	assert.True(t, strings.EqualFold(capture.Tracks[0].MimeType, webrtc.MimeTypeOpus))
	assert.Equal(t, alice.ConnID, capture.Tracks[0].PeerConnID)
	assert.Equal(t, "audio", capture.Tracks[0].Kind)
	assert.Len(t, capture.Packets, int(res.summary.Packets))

	_, err = agent.Run(context.Background())
	assert.ErrorIs(t, err, recorder.ErrAlreadyRun)
}

func TestAgent_StopWithEmptyRoomStillWritesFile(t *testing.T) {
	nets := recordertest.NewVNet(t, 1)
	ts, _ := startSignaling(t)

	agent, err := recorder.New(recorder.Config{
		RoomID:        "quiet",
		SignalBaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		Token:         issue(t, "recorder-quiet", true),
		API:           newAPI(t, webrtcpeer.WithNet(nets[0])),
		OutputDir:     t.TempDir(),
		Compression:   config.CompressionLZ4,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(agent.OutputPath(), ".rtpcap.lz4"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := agent.Run(ctx)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("agent did not exit on cancel")
	}

	f, err := os.Open(agent.OutputPath())
	require.NoError(t, err)
	defer f.Close()
	capture, err := recorder.ReadCapture(f)
	require.NoError(t, err)
	assert.Equal(t, "quiet", capture.RoomID)
	assert.Empty(t, capture.Tracks)
}

func TestAgent_RejectedCredentialFails(t *testing.T) {
	ts, _ := startSignaling(t)

	agent, err := recorder.New(recorder.Config{
		RoomID:        "room-1",
		SignalBaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		Token:         "not-a-token",
		API:           webrtc.NewAPI(),
		OutputDir:     t.TempDir(),
		Compression:   config.CompressionNone,
	})
	require.NoError(t, err)

	_, err = agent.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signaling connection lost")

	_, statErr := os.Stat(agent.OutputPath())
	assert.NoError(t, statErr)
}

type runResult struct {
	summary recorder.CaptureSummary
	err     error
}

func startAgent(t *testing.T, ts *httptest.Server, roomID string, api *webrtc.API) (*recorder.Agent, <-chan runResult) {
	t.Helper()
	agent, err := recorder.New(recorder.Config{
		RoomID:        roomID,
		SignalBaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		Token:         issue(t, "recorder-"+roomID, true),
		API:           api,
		OutputDir:     t.TempDir(),
		Compression:   config.CompressionZstd,
	})
	require.NoError(t, err)

	done := make(chan runResult, 1)
	go func() {
		s, err := agent.Run(context.Background())
		done <- runResult{s, err}
	}()
	t.Cleanup(func() {
		agent.Stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})
	return agent, done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatalf("agent did not return")
		return runResult{}
	}
}

func readCapture(t *testing.T, path string) *recorder.Capture {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	capture, err := recorder.ReadCapture(f)
	require.NoError(t, err)
	return capture
}

func TestAgent_SignalingClosedAfterWelcomeEndsCleanly(t *testing.T) {
	nets := recordertest.NewVNet(t, 2)
	ts, hub := startSignaling(t)

	agent, done := startAgent(t, ts, "room-1", newAPI(t, webrtcpeer.WithNet(nets[0])))
	alice := recordertest.Join(t, newAPI(t, webrtcpeer.WithNet(nets[1])), recordertest.WSURL(ts.URL, "room-1", issue(t, "alice", false)))

	select {
	case <-alice.Connected():
	case <-time.After(15 * time.Second):
		t.Fatalf("participant never connected to the recorder")
	}
	require.Eventually(t, func() bool { return agent.Packets() >= 10 }, 15*time.Second, 50*time.Millisecond)

	hub.CloseAll()

	res := waitRun(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Tracks)

	capture := readCapture(t, res.summary.Path)
	require.Len(t, capture.Tracks, 1)
	assert.Equal(t, alice.ConnID, capture.Tracks[0].PeerConnID)
	assert.NotEmpty(t, capture.Packets)
}

func TestAgent_RemoteOfferWhileOwnOfferPending(t *testing.T) {
	nets := recordertest.NewVNet(t, 2)
	ts, _ := startSignaling(t)

	agent, done := startAgent(t, ts, "room-1", newAPI(t, webrtcpeer.WithNet(nets[0])))
	bob := recordertest.DialManual(t, newAPI(t, webrtcpeer.WithNet(nets[1])), recordertest.WSURL(ts.URL, "room-1", issue(t, "bob", false)))

	// The agent offers on join; bob ignores it and offers itself.
	ours := bob.Description(10 * time.Second)
	require.Equal(t, "offer", ours.SDP.Type)
	recorderConn := ours.FromConn

	bob.Offer(recorderConn)
	require.NoError(t, bob.Send(signaling.Signal{ToConn: recorderConn, ICE: &signaling.ICECandidate{Candidate: "candidate:garbage"}}))

	answer := bob.Description(10 * time.Second)
	require.Equal(t, "answer", answer.SDP.Type)
	assert.Equal(t, recorderConn, answer.FromConn)
	bob.Accept(answer)

	select {
	case <-bob.Connected():
	case <-time.After(15 * time.Second):
		t.Fatalf("peer never connected after its offer was answered")
	}
	require.Eventually(t, func() bool { return agent.Packets() >= 10 }, 15*time.Second, 50*time.Millisecond)

	agent.Stop()
	res := waitRun(t, done)
	require.NoError(t, res.err)
	capture := readCapture(t, res.summary.Path)
	require.Len(t, capture.Tracks, 1)
	assert.Equal(t, bob.ConnID, capture.Tracks[0].PeerConnID)
}

func TestAgent_AnswersRenegotiationOffer(t *testing.T) {
	nets := recordertest.NewVNet(t, 2)
	ts, _ := startSignaling(t)

	agent, done := startAgent(t, ts, "room-1", newAPI(t, webrtcpeer.WithNet(nets[0])))
	bob := recordertest.DialManual(t, newAPI(t, webrtcpeer.WithNet(nets[1])), recordertest.WSURL(ts.URL, "room-1", issue(t, "bob", false)))

	offer := bob.Description(10 * time.Second)
	require.Equal(t, "offer", offer.SDP.Type)
	bob.Accept(offer)

	select {
	case <-bob.Connected():
	case <-time.After(15 * time.Second):
		t.Fatalf("peer never connected to the recorder")
	}
	require.Eventually(t, func() bool { return agent.Packets() >= 10 }, 15*time.Second, 50*time.Millisecond)

	bob.Offer(offer.FromConn)
	answer := bob.Description(10 * time.Second)
	require.Equal(t, "answer", answer.SDP.Type)
	bob.Accept(answer)

	before := agent.Packets()
	require.Eventually(t, func() bool { return agent.Packets() >= before+10 }, 15*time.Second, 50*time.Millisecond)

	agent.Stop()
	res := waitRun(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Tracks, "renegotiation keeps the existing link")
}

func TestAgent_StalledPeerDoesNotBlockOthers(t *testing.T) {
	nets := recordertest.NewVNet(t, 3)
	ts, hub := startSignaling(t)

	agent, done := startAgent(t, ts, "room-1", newAPI(t, webrtcpeer.WithNet(nets[0])))

	// carol receives the agent's offer and never answers.
	carol := recordertest.DialManual(t, newAPI(t, webrtcpeer.WithNet(nets[2])), recordertest.WSURL(ts.URL, "room-1", issue(t, "carol", false)))
	require.Equal(t, "offer", carol.Description(10*time.Second).SDP.Type)

	alice := recordertest.Join(t, newAPI(t, webrtcpeer.WithNet(nets[1])), recordertest.WSURL(ts.URL, "room-1", issue(t, "alice", false)))
	select {
	case <-alice.Connected():
	case <-time.After(15 * time.Second):
		t.Fatalf("participant blocked behind a stalled peer")
	}
	require.Eventually(t, func() bool { return agent.Packets() >= 10 }, 15*time.Second, 50*time.Millisecond)
	assert.Len(t, hub.Conns("room-1"), 3)

	agent.Stop()
	res := waitRun(t, done)
	require.NoError(t, res.err)
	capture := readCapture(t, res.summary.Path)
	require.Len(t, capture.Tracks, 1)
	assert.Equal(t, alice.ConnID, capture.Tracks[0].PeerConnID)
}

func TestNew_Validates(t *testing.T) {
	_, err := recorder.New(recorder.Config{RoomID: "r", API: webrtc.NewAPI(), SignalBaseURL: "http://localhost"})
	assert.Error(t, err)
	_, err = recorder.New(recorder.Config{RoomID: "", API: webrtc.NewAPI(), SignalBaseURL: "ws://localhost"})
	assert.Error(t, err)
	_, err = recorder.New(recorder.Config{RoomID: "r", SignalBaseURL: "ws://localhost"})
	assert.Error(t, err)
}
