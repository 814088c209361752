package webrtcpeer_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/webrtcpeer"
)

func TestNewAPI_RejectsInvalidCandidateType(t *testing.T) {
	_, err := webrtcpeer.NewAPI(config.Config{
		WebRTCNAT1To1IPs:             []string{"203.0.113.1"},
		WebRTCNAT1To1IPCandidateType: "relay",
	})
	if err == nil {
		t.Fatalf("expected error for invalid candidate type")
	}
}

func TestLoggerFactory_MapsLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := webrtcpeer.NewLoggerFactory(logger).NewLogger("ice")
	l.Tracef("hidden %d", 1)
	l.Debugf("checking pair %s", "a<->b")
	l.Warn("slow")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("trace output leaked at debug level: %s", out)
	}
	for _, want := range []string{"level=DEBUG", "checking pair a<->b", "scope=ice", "component=pion", "level=WARN"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}

func TestNewAPI_MediaOverVNet(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.WithNet(netA))
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := webrtcpeer.NewAPI(config.Config{}, webrtcpeer.WithNet(netB))
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	sender, err := apiA.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc A: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })
	receiver, err := apiB.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc B: %v", err)
	}
	t.Cleanup(func() { _ = receiver.Close() })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "stream")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if _, err := sender.AddTrack(track); err != nil {
		t.Fatalf("add track: %v", err)
	}

	gotTrack := make(chan *webrtc.TrackRemote, 1)
	receiver.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		select {
		case gotTrack <- tr:
		default:
		}
	})

	offer, err := sender.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherA := webrtc.GatheringCompletePromise(sender)
	if err := sender.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	<-gatherA
	if err := receiver.SetRemoteDescription(*sender.LocalDescription()); err != nil {
		t.Fatalf("set remote offer: %v", err)
	}
	answer, err := receiver.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	gatherB := webrtc.GatheringCompletePromise(receiver)
	if err := receiver.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	<-gatherB
	if err := sender.SetRemoteDescription(*receiver.LocalDescription()); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	select {
	case tr := <-gotTrack:
		if !strings.EqualFold(tr.Codec().MimeType, webrtc.MimeTypeOpus) {
			t.Fatalf("codec=%s, want opus", tr.Codec().MimeType)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for remote track")
	}
}
