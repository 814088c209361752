package recorder

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pion/rtp"
	"github.com/zeebo/blake3"

	"github.com/hackrtc/roomrelay/internal/config"
)

// ContentType is the media type of capture files.
const ContentType = "application/vnd.roomrelay.rtpcap"

const (
	captureMagic   = "RTPCAP"
	captureVersion = 1
)

type recordKind string

const (
	recordHeader recordKind = "header"
	recordTrack  recordKind = "track"
	recordPacket recordKind = "packet"
)

var ErrCaptureClosed = errors.New("recorder: capture closed")

// TrackInfo describes one remote track in a capture.
type TrackInfo struct {
	Index       uint32 `cbor:"index"`
	PeerConnID  string `cbor:"peer_conn_id"`
	TrackID     string `cbor:"track_id"`
	StreamID    string `cbor:"stream_id"`
	Kind        string `cbor:"kind"`
	MimeType    string `cbor:"mime_type"`
	ClockRate   uint32 `cbor:"clock_rate"`
	Channels    uint16 `cbor:"channels"`
	PayloadType uint8  `cbor:"payload_type"`
	SSRC        uint32 `cbor:"ssrc"`
}

// wireRecord is every record kind in one shape; unused fields are omitted.
type wireRecord struct {
	Kind recordKind `cbor:"k"`

	Magic     string `cbor:"magic,omitempty"`
	Version   int    `cbor:"version,omitempty"`
	RoomID    string `cbor:"room_id,omitempty"`
	StartedAt int64  `cbor:"started_at,omitempty"`

	Track *TrackInfo `cbor:"track,omitempty"`

	TrackIndex uint32 `cbor:"t,omitempty"`
	OffsetNS   int64  `cbor:"o,omitempty"`
	RTP        []byte `cbor:"rtp,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("recorder: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("recorder: CBOR decoder initialization failed: " + err.Error())
	}
}

// Extension returns the file suffix for a capture written with c.
func Extension(c config.Compression) string {
	switch c {
	case config.CompressionZstd:
		return ".rtpcap.zst"
	case config.CompressionLZ4:
		return ".rtpcap.lz4"
	default:
		return ".rtpcap"
	}
}

// OutputPath is recording_<room>_<unix><ext> inside dir.
func OutputPath(dir, roomID string, startedAt time.Time, c config.Compression) string {
	name := fmt.Sprintf("recording_%s_%d%s", safeName(roomID), startedAt.Unix(), Extension(c))
	return filepath.Join(dir, name)
}

// UploadKey is the blob store key for a capture.
func UploadKey(roomID string, startedAt time.Time, c config.Compression) string {
	return fmt.Sprintf("recordings/%s/%d%s", safeName(roomID), startedAt.Unix(), Extension(c))
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// CaptureSummary describes a finished capture file.
type CaptureSummary struct {
	Path     string
	Bytes    int64
	Checksum string // hex BLAKE3 of the file bytes
	Tracks   int
	Packets  int64
}

// CaptureWriter muxes RTP from many tracks into a single capture file.
// The file is created, and the header written, when the first track is
// added or on Close, whichever comes first. It is safe for concurrent use.
type CaptureWriter struct {
	path        string
	roomID      string
	startedAt   time.Time
	compression config.Compression

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	comp   io.WriteCloser
	enc    *cbor.Encoder
	hasher *blake3.Hasher
	size   int64
	tracks uint32
	closed bool
	err    error

	packets atomic.Int64
}

func NewCaptureWriter(path, roomID string, startedAt time.Time, c config.Compression) *CaptureWriter {
	return &CaptureWriter{
		path:        path,
		roomID:      roomID,
		startedAt:   startedAt,
		compression: c,
	}
}

func (w *CaptureWriter) Path() string { return w.path }

// Packets returns the number of RTP packets written so far.
func (w *CaptureWriter) Packets() int64 { return w.packets.Load() }

// AddTrack registers a track and returns the index its packets use.
func (w *CaptureWriter) AddTrack(info TrackInfo) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(); err != nil {
		return 0, err
	}
	info.Index = w.tracks
	if err := w.writeLocked(wireRecord{Kind: recordTrack, Track: &info}); err != nil {
		return 0, err
	}
	w.tracks++
	return info.Index, nil
}

// WritePacket appends pkt for the track at index, timestamped at.
func (w *CaptureWriter) WritePacket(index uint32, at time.Time, pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("recorder: marshal rtp: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil && !w.closed {
		return fmt.Errorf("recorder: packet for track %d before any track was added", index)
	}
	if index >= w.tracks {
		return fmt.Errorf("recorder: unknown track index %d", index)
	}
	err = w.writeLocked(wireRecord{
		Kind:       recordPacket,
		TrackIndex: index,
		OffsetNS:   at.Sub(w.startedAt).Nanoseconds(),
		RTP:        raw,
	})
	if err == nil {
		w.packets.Add(1)
	}
	return err
}

// Close flushes the compressor and the file. A capture with no tracks still
// produces a file holding just the header. The file is released even after
// a failed write. Close is idempotent; later calls return the first result.
func (w *CaptureWriter) Close() (CaptureSummary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.summaryLocked(), w.err
	}
	if w.file == nil {
		if err := w.openLocked(); err != nil && w.file == nil {
			w.closed = true
			return CaptureSummary{}, err
		}
	}
	w.closed = true

	var errs []error
	if err := w.comp.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close compressor: %w", err))
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := w.file.Sync(); err != nil && w.err == nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := errors.Join(errs...); err != nil && w.err == nil {
		w.err = fmt.Errorf("recorder: finalize %s: %w", w.path, err)
	}
	return w.summaryLocked(), w.err
}

func (w *CaptureWriter) summaryLocked() CaptureSummary {
	s := CaptureSummary{
		Path:    w.path,
		Bytes:   w.size,
		Tracks:  int(w.tracks),
		Packets: w.packets.Load(),
	}
	if w.hasher != nil {
		s.Checksum = hex.EncodeToString(w.hasher.Sum(nil))
	}
	return s
}

func (w *CaptureWriter) openLocked() error {
	if w.closed {
		return ErrCaptureClosed
	}
	if w.err != nil {
		return w.err
	}
	if w.file != nil {
		return nil
	}

	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.err = fmt.Errorf("recorder: create capture dir: %w", err)
			return w.err
		}
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		w.err = fmt.Errorf("recorder: create capture: %w", err)
		return w.err
	}
	hasher := blake3.New()
	buf := bufio.NewWriterSize(io.MultiWriter(f, hasher, (*byteCounter)(&w.size)), 64*1024)
	comp, err := newCompressor(buf, w.compression)
	if err != nil {
		_ = f.Close()
		w.err = err
		return err
	}
	w.file = f
	w.hasher = hasher
	w.buf = buf
	w.comp = comp
	w.enc = encMode.NewEncoder(comp)

	return w.writeLocked(wireRecord{
		Kind:      recordHeader,
		Magic:     captureMagic,
		Version:   captureVersion,
		RoomID:    w.roomID,
		StartedAt: w.startedAt.UnixNano(),
	})
}

func (w *CaptureWriter) writeLocked(rec wireRecord) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return ErrCaptureClosed
	}
	if err := w.enc.Encode(rec); err != nil {
		w.err = fmt.Errorf("recorder: write %s record: %w", rec.Kind, err)
		return w.err
	}
	return nil
}

type byteCounter int64

func (c *byteCounter) Write(p []byte) (int, error) {
	*c += byteCounter(len(p))
	return len(p), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newCompressor(w io.Writer, c config.Compression) (io.WriteCloser, error) {
	switch c {
	case config.CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("recorder: zstd writer: %w", err)
		}
		return enc, nil
	case config.CompressionLZ4:
		return lz4.NewWriter(w), nil
	case config.CompressionNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("recorder: unsupported compression %q", c)
	}
}

// Capture is a decoded capture file.
type Capture struct {
	Version   int
	RoomID    string
	StartedAt time.Time
	Tracks    []TrackInfo
	Packets   []CapturedPacket
}

type CapturedPacket struct {
	Track  uint32
	Offset time.Duration
	Packet rtp.Packet
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ReadCapture decodes a capture, detecting the compression from the
// stream's leading bytes.
func ReadCapture(r io.Reader) (*Capture, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("recorder: read capture: %w", err)
	}

	var src io.Reader = br
	switch {
	case bytes.Equal(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("recorder: zstd reader: %w", err)
		}
		defer dec.Close()
		src = dec
	case bytes.Equal(head, lz4Magic):
		src = lz4.NewReader(br)
	}

	dec := decMode.NewDecoder(src)
	out := &Capture{}
	sawHeader := false
	for {
		var rec wireRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("recorder: decode capture record: %w", err)
		}

		switch rec.Kind {
		case recordHeader:
			if rec.Magic != captureMagic {
				return nil, fmt.Errorf("recorder: bad capture magic %q", rec.Magic)
			}
			if rec.Version != captureVersion {
				return nil, fmt.Errorf("recorder: unsupported capture version %d", rec.Version)
			}
			out.Version = rec.Version
			out.RoomID = rec.RoomID
			out.StartedAt = time.Unix(0, rec.StartedAt).UTC()
			sawHeader = true
		case recordTrack:
			if !sawHeader || rec.Track == nil {
				return nil, fmt.Errorf("recorder: track record out of order")
			}
			out.Tracks = append(out.Tracks, *rec.Track)
		case recordPacket:
			if int(rec.TrackIndex) >= len(out.Tracks) {
				return nil, fmt.Errorf("recorder: packet for unknown track %d", rec.TrackIndex)
			}
			p := CapturedPacket{Track: rec.TrackIndex, Offset: time.Duration(rec.OffsetNS)}
			if err := p.Packet.Unmarshal(rec.RTP); err != nil {
				return nil, fmt.Errorf("recorder: packet %d: %w", len(out.Packets), err)
			}
			out.Packets = append(out.Packets, p)
		default:
			// Newer writers may add record kinds.
		}
	}
	if !sawHeader {
		return nil, fmt.Errorf("recorder: capture has no header")
	}
	return out, nil
}
