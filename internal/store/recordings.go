package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type RecordingStatus string

const (
	RecordingStarting  RecordingStatus = "starting"
	RecordingRecording RecordingStatus = "recording"
	RecordingStopping  RecordingStatus = "stopping"
	RecordingCompleted RecordingStatus = "completed"
	RecordingFailed    RecordingStatus = "failed"
)

// Terminal reports whether no further transitions follow this status.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingCompleted || s == RecordingFailed
}

type Recording struct {
	ID         string
	RoomID     string
	CreatedBy  string
	Status     RecordingStatus
	OutputPath string
	StorageKey string
	PublicURL  string
	Checksum   string
	SizeBytes  int64
	StartedAt  time.Time
	StoppedAt  time.Time
	// DurationSeconds is nil until the recording has stopped.
	DurationSeconds *int64
	CreatedAt       time.Time
}

const recordingColumns = `id, room_id, created_by, status, output_path, storage_key, public_url,
	checksum, size_bytes, started_at, stopped_at, duration_seconds, created_at`

func scanRecording(stmt *sqlite.Stmt) Recording {
	rec := Recording{
		ID:         stmt.ColumnText(0),
		RoomID:     stmt.ColumnText(1),
		CreatedBy:  stmt.ColumnText(2),
		Status:     RecordingStatus(stmt.ColumnText(3)),
		OutputPath: stmt.ColumnText(4),
		StorageKey: stmt.ColumnText(5),
		PublicURL:  stmt.ColumnText(6),
		Checksum:   stmt.ColumnText(7),
		SizeBytes:  stmt.ColumnInt64(8),
		StartedAt:  columnTime(stmt, 9),
		StoppedAt:  columnTime(stmt, 10),
		CreatedAt:  columnTime(stmt, 12),
	}
	if !stmt.ColumnIsNull(11) {
		d := stmt.ColumnInt64(11)
		rec.DurationSeconds = &d
	}
	return rec
}

// CreateRecording inserts rec, assigning an id and created_at when unset, and
// returns the stored row.
func (s *Store) CreateRecording(ctx context.Context, rec Recording) (Recording, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = RecordingStarting
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	conn, err := s.take(ctx)
	if err != nil {
		return Recording{}, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO recordings (`+recordingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: recordingArgs(rec)})
	if err != nil {
		return Recording{}, fmt.Errorf("store: create recording %s: %w", rec.ID, err)
	}
	return rec, nil
}

func recordingArgs(rec Recording) []any {
	var duration any
	if rec.DurationSeconds != nil {
		duration = *rec.DurationSeconds
	}
	return []any{
		rec.ID, rec.RoomID, rec.CreatedBy, string(rec.Status), rec.OutputPath,
		rec.StorageKey, rec.PublicURL, rec.Checksum, rec.SizeBytes,
		nanos(rec.StartedAt), nanos(rec.StoppedAt), duration, rec.CreatedAt.UnixNano(),
	}
}

func (s *Store) GetRecording(ctx context.Context, id string) (Recording, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Recording{}, err
	}
	defer s.pool.Put(conn)
	return getRecording(conn, id)
}

func getRecording(conn *sqlite.Conn, id string) (Recording, error) {
	var (
		rec   Recording
		found bool
	)
	err := sqlitex.Execute(conn, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				rec = scanRecording(stmt)
				return nil
			},
		})
	if err != nil {
		return Recording{}, fmt.Errorf("store: get recording %s: %w", id, err)
	}
	if !found {
		return Recording{}, fmt.Errorf("store: recording %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// UpdateRecording loads the recording, lets mutate change it, and writes it
// back in a single transaction. The id, room and creation time are fixed.
func (s *Store) UpdateRecording(ctx context.Context, id string, mutate func(*Recording)) (rec Recording, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Recording{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Recording{}, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	rec, err = getRecording(conn, id)
	if err != nil {
		return Recording{}, err
	}
	fixedID, fixedRoom, fixedCreated := rec.ID, rec.RoomID, rec.CreatedAt
	mutate(&rec)
	rec.ID, rec.RoomID, rec.CreatedAt = fixedID, fixedRoom, fixedCreated

	var duration any
	if rec.DurationSeconds != nil {
		duration = *rec.DurationSeconds
	}
	err = sqlitex.Execute(conn, `
		UPDATE recordings SET
			created_by = ?, status = ?, output_path = ?, storage_key = ?, public_url = ?,
			checksum = ?, size_bytes = ?, started_at = ?, stopped_at = ?, duration_seconds = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			rec.CreatedBy, string(rec.Status), rec.OutputPath, rec.StorageKey, rec.PublicURL,
			rec.Checksum, rec.SizeBytes, nanos(rec.StartedAt), nanos(rec.StoppedAt), duration,
			rec.ID,
		}})
	if err != nil {
		return Recording{}, fmt.Errorf("store: update recording %s: %w", id, err)
	}
	return rec, nil
}

// ListRecordings returns a room's recordings, newest first. Recordings that
// never started sort after those that did.
func (s *Store) ListRecordings(ctx context.Context, roomID string) ([]Recording, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []Recording
	err = sqlitex.Execute(conn, `SELECT `+recordingColumns+` FROM recordings
		WHERE room_id = ?
		ORDER BY started_at DESC, created_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanRecording(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list recordings %s: %w", roomID, err)
	}
	return out, nil
}
