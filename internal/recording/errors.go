package recording

import "errors"

var (
	ErrForbidden      = errors.New("recording: forbidden")
	ErrAlreadyRunning = errors.New("recording: already running")
	ErrNotRunning     = errors.New("recording: not running")
	ErrShuttingDown   = errors.New("recording: shutting down")
)
