package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/hackrtc/roomrelay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupWarnings_DevDefaults(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:          config.ModeDev,
		JWTSecret:     config.DefaultJWTSecret,
		SignalBaseURL: "ws://203.0.113.5:8080",
	}
	logStartupWarnings(logger, cfg)

	codes := warningCodes(records())
	if _, ok := codes["jwt_secret_default"]; !ok {
		t.Fatalf("expected warning_code=jwt_secret_default, got %#v", records())
	}
	// Deployment warnings only apply in prod.
	for _, code := range []string{"signal_base_url_plaintext", "s3_disabled"} {
		if _, ok := codes[code]; ok {
			t.Fatalf("unexpected warning_code=%s in dev mode", code)
		}
	}
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		JWTSecret:      "secret",
		AllowedOrigins: []string{"*"},
	}
	logStartupWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupWarnings_ProdDeployment(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		want     []string
		unwanted []string
	}{
		{
			name: "plaintext remote signaling and no s3",
			cfg: config.Config{
				SignalBaseURL: "ws://relay.internal:8080",
			},
			want: []string{"signal_base_url_plaintext", "s3_disabled"},
		},
		{
			name: "loopback signaling and s3 without tls",
			cfg: config.Config{
				SignalBaseURL: "ws://127.0.0.1:8080",
				S3:            config.S3Config{Endpoint: "minio:9000", Bucket: "recordings"},
			},
			want:     []string{"s3_plaintext"},
			unwanted: []string{"signal_base_url_plaintext", "s3_disabled"},
		},
		{
			name: "hardened",
			cfg: config.Config{
				SignalBaseURL: "wss://relay.example.com",
				S3:            config.S3Config{Endpoint: "s3.example.com", Bucket: "recordings", UseSSL: true},
			},
			unwanted: []string{"signal_base_url_plaintext", "s3_disabled", "s3_plaintext", "jwt_secret_default"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := tt.cfg
			cfg.Mode = config.ModeProd
			cfg.JWTSecret = "s3cret"

			logStartupWarnings(logger, cfg)

			codes := warningCodes(records())
			for _, code := range tt.want {
				if _, ok := codes[code]; !ok {
					t.Fatalf("expected warning_code=%s, got %#v", code, records())
				}
			}
			for _, code := range tt.unwanted {
				if _, ok := codes[code]; ok {
					t.Fatalf("unexpected warning_code=%s", code)
				}
			}
		})
	}
}

func TestStartupWarnings_TURNRESTWithoutTURNServers(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:       config.ModeDev,
		JWTSecret:  "secret",
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		TURNREST:   config.TurnRESTConfig{SharedSecret: "turn-secret", TTLSeconds: 3600, UsernamePrefix: "roomrelay"},
	}
	logStartupWarnings(logger, cfg)
	if _, ok := warningCodes(records())["turn_rest_without_turn_urls"]; !ok {
		t.Fatalf("expected warning_code=turn_rest_without_turn_urls, got %#v", records())
	}

	logger, records = newRecordingLogger()
	cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{"TURNS:turn.example.com:5349"}})
	logStartupWarnings(logger, cfg)
	if _, ok := warningCodes(records())["turn_rest_without_turn_urls"]; ok {
		t.Fatalf("unexpected turn_rest_without_turn_urls with a turns: server configured")
	}
}
