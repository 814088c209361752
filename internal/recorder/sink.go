package recorder

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// sink copies every remote track of one PeerLink into the shared capture.
type sink struct {
	peerConnID  string
	capture     *CaptureWriter
	pc          *webrtc.PeerConnection
	pliInterval time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu      sync.Mutex
	halted  bool
	stopped chan struct{}
	wg      sync.WaitGroup
}

func newSink(peerConnID string, capture *CaptureWriter, pc *webrtc.PeerConnection, pliInterval time.Duration, now func() time.Time, log *slog.Logger) *sink {
	return &sink{
		peerConnID:  peerConnID,
		capture:     capture,
		pc:          pc,
		pliInterval: pliInterval,
		now:         now,
		log:         log,
		stopped:     make(chan struct{}),
	}
}

// attach is called from OnTrack.
func (s *sink) attach(track *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return
	}

	codec := track.Codec()
	index, err := s.capture.AddTrack(TrackInfo{
		PeerConnID:  s.peerConnID,
		TrackID:     track.ID(),
		StreamID:    track.StreamID(),
		Kind:        track.Kind().String(),
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		PayloadType: uint8(codec.PayloadType),
		SSRC:        uint32(track.SSRC()),
	})
	if err != nil {
		s.log.Warn("capture track failed", "track_id", track.ID(), "err", err)
		return
	}
	s.log.Info("track attached",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"mime_type", codec.MimeType,
		"track_index", index,
	)

	s.wg.Add(1)
	go s.copyRTP(track, index)

	if track.Kind() == webrtc.RTPCodecTypeVideo && s.pliInterval > 0 {
		s.wg.Add(1)
		go s.requestKeyframes(track.SSRC())
	}
}

func (s *sink) copyRTP(track *webrtc.TrackRemote, index uint32) {
	defer s.wg.Done()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.stopped:
				default:
					s.log.Debug("track read ended", "track_id", track.ID(), "err", err)
				}
			}
			return
		}
		if err := s.capture.WritePacket(index, s.now(), pkt); err != nil {
			if !errors.Is(err, ErrCaptureClosed) {
				s.log.Warn("capture write failed", "track_id", track.ID(), "err", err)
			}
			return
		}
	}
}

// requestKeyframes sends a PLI right away and then every pliInterval so the
// capture has decodable video from the start and after packet loss.
func (s *sink) requestKeyframes(ssrc webrtc.SSRC) {
	defer s.wg.Done()
	t := time.NewTicker(s.pliInterval)
	defer t.Stop()
	for {
		err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.Debug("pli write failed", "ssrc", uint32(ssrc), "err", err)
		}
		select {
		case <-s.stopped:
			return
		case <-t.C:
		}
	}
}

// stop ends the keyframe loops and waits for the readers. The peer
// connection must already be closed so that ReadRTP returns.
func (s *sink) stop() {
	s.mu.Lock()
	if !s.halted {
		s.halted = true
		close(s.stopped)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
