package recording

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hackrtc/roomrelay/internal/auth"
	"github.com/hackrtc/roomrelay/internal/httpserver"
	"github.com/hackrtc/roomrelay/internal/store"
)

// Handler serves the recording control routes under /recordings/{room}.
type Handler struct {
	m        *Manager
	verifier auth.Verifier
	log      *slog.Logger
	// stopTimeout bounds how long a stop request waits for finalize.
	stopTimeout time.Duration
}

func NewHandler(m *Manager, verifier auth.Verifier, stopTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{m: m, verifier: verifier, stopTimeout: stopTimeout, log: logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /recordings/{room}/start", h.start)
	mux.HandleFunc("POST /recordings/{room}/stop", h.stop)
	mux.HandleFunc("GET /recordings/{room}/status", h.status)
	mux.HandleFunc("GET /recordings/{room}", h.list)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	ident, err := auth.Authenticate(h.verifier, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.m.Start(r.Context(), r.PathValue("room"), ident)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "started", "recording_id": id})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	ident, err := auth.Authenticate(h.verifier, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if h.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.stopTimeout)
		defer cancel()
	}
	res, err := h.m.Stop(ctx, r.PathValue("room"), ident)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"status":       string(res.Status),
		"recording_id": res.RecordingID,
		"url":          nullable(res.URL),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st := h.m.Status(r.PathValue("room"))
	body := map[string]any{"running": st.Running}
	if st.RecordingID != "" {
		body["recording_id"] = st.RecordingID
	}
	if !st.StartedAt.IsZero() {
		body["started_at"] = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if st.OutputPath != "" {
		body["output_path"] = st.OutputPath
	}
	httpserver.WriteJSON(w, http.StatusOK, body)
}

type recordingJSON struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	URL             *string `json:"url"`
	StartedAt       *string `json:"started_at"`
	StoppedAt       *string `json:"stopped_at"`
	DurationSeconds *int64  `json:"duration_seconds"`
	Checksum        *string `json:"checksum"`
	SizeBytes       int64   `json:"size_bytes"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ident, err := auth.Authenticate(h.verifier, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recs, err := h.m.List(r.Context(), r.PathValue("room"), ident)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]recordingJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordingJSON{
			ID:              rec.ID,
			Status:          string(rec.Status),
			URL:             nullable(rec.PublicURL),
			StartedAt:       timeString(rec.StartedAt),
			StoppedAt:       timeString(rec.StoppedAt),
			DurationSeconds: rec.DurationSeconds,
			Checksum:        nullable(rec.Checksum),
			SizeBytes:       rec.SizeBytes,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timeString(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// writeError is the single place recording errors become HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrMissingCredentials), errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnsupportedJWT):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrNotRunning):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("recording request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = http.StatusText(status)
	}
	httpserver.WriteJSON(w, status, map[string]any{"error": msg})
}
